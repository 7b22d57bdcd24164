package taskrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// channelStore holds the worker's task channels. Channels are updated in
// place and never removed between refreshes. All methods require w.mu.
type channelStore struct {
	byID map[string]*Channel
}

func newChannelStore() *channelStore {
	return &channelStore{byID: make(map[string]*Channel)}
}

func (s *channelStore) get(sid string) (*Channel, bool) {
	c, ok := s.byID[sid]
	return c, ok
}

func (s *channelStore) list() []*Channel {
	out := make([]*Channel, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sid < out[j].sid })
	return out
}

// refreshChannels fetches the worker's channels into a fresh map.
func (w *Worker) refreshChannels(ctx context.Context) error {
	var payloads []*channelPayload
	err := w.fetchPages(ctx, w.workerPath()+"/Channels", nil, func(contents []json.RawMessage) error {
		for _, raw := range contents {
			var p channelPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("decode channel: %v: %w", err, ErrInvalidPayload)
			}
			if p.Sid == "" {
				return fmt.Errorf("channel without sid: %w", ErrInvalidPayload)
			}
			payloads = append(payloads, &p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh channels: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string]*Channel, len(payloads))
	for _, p := range payloads {
		if c, ok := w.channels.get(p.Sid); ok {
			c.applyLocked(p)
			next[p.Sid] = c
			continue
		}
		next[p.Sid] = newChannel(w, p)
	}
	w.channels.byID = next
	return nil
}
