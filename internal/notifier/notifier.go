package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"

	"github.com/mescon/eventpipe/internal/logger"
)

// minResendInterval throttles repeat DLQ-critical alerts so a sustained
// breach doesn't page every channel on every retry-queue tick.
const minResendInterval = 5 * time.Minute

// Notifier fans a DLQ-critical alert out to every configured shoutrrr
// service URL. It implements retryqueue.AlertSink.
type Notifier struct {
	urls []string

	mu       sync.Mutex
	lastSent time.Time
}

// New builds a Notifier from the raw shoutrrr service URLs in NOTIFY_URLS.
// A Notifier with no URLs is valid and simply logs without paging anyone.
func New(urls []string) *Notifier {
	return &Notifier{urls: urls}
}

// NotifyDLQCritical implements retryqueue.AlertSink. The retry queue only
// calls this on the edge crossing into critical, but depth can flap back and
// forth across the threshold, so a short resend throttle guards against
// paging on every re-crossing. A failure on one channel never blocks the
// others.
func (n *Notifier) NotifyDLQCritical(ctx context.Context, depth int) error {
	n.mu.Lock()
	if !n.lastSent.IsZero() && time.Since(n.lastSent) < minResendInterval {
		n.mu.Unlock()
		return nil
	}
	n.lastSent = time.Now()
	n.mu.Unlock()

	if len(n.urls) == 0 {
		logger.Warnf("DLQ critical alert (depth=%d) but no NOTIFY_URLS configured", depth)
		return nil
	}

	message := fmt.Sprintf("eventpipe: dead-letter queue critical, depth=%d", depth)

	var firstErr error
	for _, url := range n.urls {
		if err := shoutrrr.Send(url, message); err != nil {
			logger.Errorf("Failed to send DLQ critical alert to %s: %v", redactURL(url), err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Infof("Sent DLQ critical alert (depth=%d)", depth)
	}
	return firstErr
}

// redactURL keeps log lines from leaking channel tokens embedded in shoutrrr
// service URLs (e.g. discord://token@id).
func redactURL(url string) string {
	for i := 0; i < len(url); i++ {
		if url[i] == ':' && i+2 < len(url) && url[i+1] == '/' && url[i+2] == '/' {
			return url[:i+3] + "***"
		}
	}
	return "***"
}
