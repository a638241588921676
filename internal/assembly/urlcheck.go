package assembly

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"golang.org/x/sync/errgroup"
)

const maxParallelChecks = 8

// CheckClips sends a HEAD request to every clip URL in parallel. A clip
// passes on a 2xx answer with a video/* or application/octet-stream
// content type. All offending beats are reported in one ValidationError.
func CheckClips(ctx context.Context, client *http.Client, clips []Clip, timeout time.Duration) error {
	var (
		mu     sync.Mutex
		bad    []int
		reason []string
	)

	var g errgroup.Group
	g.SetLimit(maxParallelChecks)
	for _, c := range clips {
		c := c
		g.Go(func() error {
			if err := checkURL(ctx, client, c.URL, timeout); err != nil {
				mu.Lock()
				bad = append(bad, c.Order)
				reason = append(reason, fmt.Sprintf("beat %d: %v", c.Order, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(bad) > 0 {
		sort.Ints(bad)
		sort.Strings(reason)
		return apperr.Validation("beat videos failed the availability check: "+strings.Join(reason, "; "), bad...)
	}
	return nil
}

func checkURL(ctx context.Context, client *http.Client, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "video/") && !strings.HasPrefix(ct, "application/octet-stream") {
		return fmt.Errorf("unexpected content type %q", ct)
	}
	return nil
}
