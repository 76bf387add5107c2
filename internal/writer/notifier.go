package writer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Notifier tells an external timing authority where the acquisition window
// of a run begins and ends.
type Notifier interface {
	NotifyStart(ctx context.Context, pulseID uint64) error
	NotifyEnd(ctx context.Context, pulseID uint64) error
}

// NewNotifier returns an HTTP notifier for baseURL, or a no-op notifier when
// baseURL is empty.
func NewNotifier(baseURL string, timeout time.Duration, log *slog.Logger) Notifier {
	if baseURL == "" {
		return noopNotifier{}
	}
	return &HTTPNotifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

type noopNotifier struct{}

func (noopNotifier) NotifyStart(context.Context, uint64) error { return nil }
func (noopNotifier) NotifyEnd(context.Context, uint64) error   { return nil }

// HTTPNotifier issues PUT {base}/start_pulse_id/{id} and
// PUT {base}/stop_pulse_id/{id}.
type HTTPNotifier struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NotifyStart announces the first pulse identifier of the run.
func (n *HTTPNotifier) NotifyStart(ctx context.Context, pulseID uint64) error {
	return n.put(ctx, "start_pulse_id", pulseID)
}

// NotifyEnd announces the last pulse identifier of the run.
func (n *HTTPNotifier) NotifyEnd(ctx context.Context, pulseID uint64) error {
	return n.put(ctx, "stop_pulse_id", pulseID)
}

func (n *HTTPNotifier) put(ctx context.Context, edge string, pulseID uint64) error {
	url := n.baseURL + "/" + edge + "/" + strconv.FormatUint(pulseID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return fmt.Errorf("create %s request: %w", edge, err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", edge, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", edge, resp.StatusCode)
	}
	n.log.Debug("window notification sent", slog.String("edge", edge), slog.Uint64("pulse_id", pulseID))
	return nil
}
