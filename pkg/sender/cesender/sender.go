// Package cesender posts messages as CloudEvents over HTTP and treats the
// response body as the reply.
package cesender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/binding"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/conduit/pkg/dispatch"
	sdkerrors "github.com/wehubfusion/conduit/pkg/errors"
	"github.com/wehubfusion/conduit/pkg/message"
)

// Extension attribute carrying the run correlation id
const ExtCorrelationID = "correlationid"

// HeaderForward on a response names the outcome to follow
const HeaderForward = "Conduit-Forward"

// Config configures a CloudEvents HTTP sender
type Config struct {
	Name      string
	TargetURL string

	// Type and Source of the emitted events
	Type   string
	Source string

	// ContentType of the event data, application/json by default
	ContentType string

	// StructuredMode sends the whole event as a JSON document instead of
	// Ce-* headers
	StructuredMode bool

	// Timeout bounds one request; 0 relies on the caller's context
	Timeout time.Duration

	Client *http.Client
	Logger *zap.Logger
}

// Sender delivers one event per message
type Sender struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates a CloudEvents HTTP sender
func New(cfg Config) (*Sender, error) {
	if cfg.TargetURL == "" {
		return nil, fmt.Errorf("target URL is required")
	}
	if cfg.Type == "" {
		cfg.Type = "conduit.message"
	}
	if cfg.Source == "" {
		cfg.Source = "/conduit"
	}
	if cfg.ContentType == "" {
		cfg.ContentType = cloudevents.ApplicationJSON
	}
	if cfg.Name == "" {
		cfg.Name = "cloudevents:" + cfg.TargetURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{cfg: cfg, client: client, logger: logger}, nil
}

func (s *Sender) Name() string { return s.cfg.Name }

func (s *Sender) Synchronous() bool { return true }

// Event builds the CloudEvent for msg
func (s *Sender) Event(msg *message.Message, session *message.Session) (cloudevents.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetType(s.cfg.Type)
	e.SetSource(s.cfg.Source)
	e.SetTime(time.Now())
	if cid := session.CorrelationID(); cid != "" {
		e.SetExtension(ExtCorrelationID, cid)
	}
	if subject, ok := msg.Metadata().Get("subject"); ok {
		e.SetSubject(subject)
	}

	data, err := msg.Bytes()
	if err != nil {
		return e, fmt.Errorf("read message: %w", err)
	}
	if err := e.SetData(s.cfg.ContentType, data); err != nil {
		return e, fmt.Errorf("set event data: %w", err)
	}
	return e, nil
}

func (s *Sender) Send(ctx context.Context, msg *message.Message, session *message.Session) (*dispatch.SenderResult, error) {
	event, err := s.Event(msg, session)
	if err != nil {
		return nil, err
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	reqCtx := ctx
	if s.cfg.StructuredMode {
		reqCtx = binding.WithForceStructured(ctx)
	}

	req, err := cehttp.NewHTTPRequestFromEvent(reqCtx, s.cfg.TargetURL, event)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: sending request: %v", sdkerrors.ErrTimeout, err)
		}
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	s.logger.Debug("Event delivered",
		zap.String("event_id", event.ID()),
		zap.Int("status", resp.StatusCode))
	return resultFromResponse(resp, body)
}

// resultFromResponse classifies an HTTP response: 2xx is a reply, 408 and
// 504 are timeouts, other 4xx are functional failures and 5xx are retried.
func resultFromResponse(resp *http.Response, body []byte) (*dispatch.SenderResult, error) {
	status := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		reply := message.NewMessage(body)
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			reply.Metadata().Set("contentType", ct)
		}
		return &dispatch.SenderResult{
			Success: true,
			Message: reply,
			Forward: resp.Header.Get(HeaderForward),
		}, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: %s", sdkerrors.ErrTimeout, status)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &dispatch.SenderResult{
			Success: false,
			Message: message.NewMessage(body),
			Forward: resp.Header.Get(HeaderForward),
			Error:   status,
		}, nil
	default:
		return nil, errors.New(status)
	}
}
