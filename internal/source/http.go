package source

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kjannette/pricesync/internal/httputil"
	"github.com/kjannette/pricesync/internal/logging"
	"github.com/kjannette/pricesync/internal/models"
)

type HTTPOptions struct {
	Timeout time.Duration
	Retry   httputil.RetryConfig
	Logger  *slog.Logger
}

// HTTP reads collections from a REST document store that serves
// GET {base}/{path}.json and streams changes as server-sent events on the
// same URL.
type HTTP struct {
	base   string
	client *http.Client
	stream *http.Client
	retry  httputil.RetryConfig
	log    *slog.Logger
}

func NewHTTP(base string, opts HTTPOptions) *HTTP {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = httputil.DefaultRetry
	}
	log := logging.Component(opts.Logger, "source.http")
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = log
	}
	return &HTTP{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: opts.Timeout},
		stream: &http.Client{},
		retry:  opts.Retry,
		log:    log,
	}
}

func (h *HTTP) url(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return h.base + "/" + strings.Join(trimmed, "/") + ".json"
}

func (h *HTTP) FetchCollection(ctx context.Context, path string) ([]models.Record, error) {
	var body any
	if err := httputil.GetJSON(ctx, h.client, h.retry, h.url(path), &body); err != nil {
		return nil, err
	}
	recs, skipped := NormalizeDocuments(path, body)
	if skipped > 0 {
		h.log.Warn("skipped malformed documents", "path", path, "skipped", skipped)
	}
	return recs, nil
}

func (h *HTTP) FetchRecord(ctx context.Context, path, id string) (*models.Record, error) {
	var doc map[string]any
	if err := httputil.GetJSON(ctx, h.client, h.retry, h.url(path, id), &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	rec, err := Normalize(path, id, doc)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Subscribe opens the event stream and returns once the server accepts it.
// The stream's first put event carries the whole collection.
func (h *HTTP) Subscribe(ctx context.Context, path string, onChange func(Change), onError func(error)) (func(), error) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := http.NewRequestWithContext(sctx, http.MethodGet, h.url(path), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// the caller's ctx bounds opening the stream, not its lifetime
	stop := context.AfterFunc(ctx, cancel)
	resp, err := h.stream.Do(req)
	if !stop() && err == nil {
		resp.Body.Close()
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		return nil, &models.SubscriptionError{Path: path, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, &models.SubscriptionError{Path: path, Err: &httputil.StatusError{Code: resp.StatusCode, Body: string(body)}}
	}

	go func() {
		defer resp.Body.Close()
		err := h.readEvents(sctx, path, resp.Body, onChange)
		if sctx.Err() != nil {
			return
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		onError(&models.SubscriptionError{Path: path, Err: err})
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

type sseEvent struct {
	name string
	data string
}

// readEvents parses the stream until it ends or a terminal event arrives.
func (h *HTTP) readEvents(ctx context.Context, path string, r io.Reader, onChange func(Change)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var ev sseEvent
	var data []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			ev.data = strings.Join(data, "\n")
			if err := h.dispatch(ctx, path, ev, onChange); err != nil {
				return err
			}
			ev, data = sseEvent{}, data[:0]
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.name = value
		case "data":
			data = append(data, value)
		}
	}
	return sc.Err()
}

type streamPayload struct {
	Path string `json:"path"`
	Data any    `json:"data"`
}

func (h *HTTP) dispatch(ctx context.Context, path string, ev sseEvent, onChange func(Change)) error {
	switch ev.name {
	case "", "keep-alive":
		return nil
	case "cancel", "auth_revoked":
		return fmt.Errorf("stream closed by server: %s", ev.name)
	case "put", "patch":
	default:
		h.log.Debug("ignoring event", "event", ev.name)
		return nil
	}

	var p streamPayload
	if err := json.Unmarshal([]byte(ev.data), &p); err != nil {
		return fmt.Errorf("decode %s event: %w", ev.name, err)
	}

	docPath := strings.Trim(p.Path, "/")
	if ev.name == "put" && docPath == "" {
		recs, skipped := NormalizeDocuments(path, p.Data)
		if skipped > 0 {
			h.log.Warn("skipped malformed documents", "path", path, "skipped", skipped)
		}
		onChange(Change{Kind: Snapshot, Records: recs})
		return nil
	}

	// Anything narrower than the whole collection may be a partial update,
	// so the affected documents are re-read whole.
	var ids []string
	if docPath == "" {
		children, _ := p.Data.(map[string]any)
		for id := range children {
			ids = append(ids, id)
		}
		slices.Sort(ids)
	} else {
		id, _, _ := strings.Cut(docPath, "/")
		ids = append(ids, id)
	}

	var upserts []models.Record
	var removed []string
	for _, id := range ids {
		rec, err := h.FetchRecord(ctx, path, id)
		if err != nil {
			if errors.Is(err, models.ErrInvalidInput) {
				h.log.Warn("skipped malformed document", "path", path, "id", id, "error", err)
				continue
			}
			return err
		}
		if rec == nil {
			removed = append(removed, id)
			continue
		}
		upserts = append(upserts, *rec)
	}
	if len(upserts) > 0 {
		onChange(Change{Kind: Upsert, Records: upserts})
	}
	if len(removed) > 0 {
		onChange(Change{Kind: Remove, IDs: removed})
	}
	return nil
}
