package taskrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

// fetchPages walks a paginated listing, calling fn for every page in order.
// The AfterSid cursor from each response selects the next page; a missing
// cursor ends the walk.
func (w *Worker) fetchPages(ctx context.Context, path string, query url.Values, fn func(contents []json.RawMessage) error) error {
	afterSid := ""
	for {
		q := url.Values{}
		for k, v := range query {
			q[k] = append([]string(nil), v...)
		}
		q.Set("PageSize", strconv.Itoa(w.opts.PageSize))
		if afterSid != "" {
			q.Set("AfterSid", afterSid)
		}

		raw, err := w.requester.Get(ctx, path, w.opts.APIVersion, q)
		if err != nil {
			return err
		}

		var pg page
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &pg); err != nil {
				return fmt.Errorf("decode page: %v: %w", err, ErrInvalidPayload)
			}
		}
		if err := fn(pg.Contents); err != nil {
			return err
		}

		if pg.AfterSid == nil || *pg.AfterSid == "" {
			return nil
		}
		if *pg.AfterSid == afterSid {
			return fmt.Errorf("pagination cursor %s repeated: %w", afterSid, ErrInvalidPayload)
		}
		afterSid = *pg.AfterSid
	}
}
