package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"epidemic_consensus/internal/config"
	"epidemic_consensus/internal/dataType"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	SignatureHeader = "X-Gossip-Signature"

	outboundQueueSize = 1024
	outboundWorkers   = 8
	sendTimeout       = 5 * time.Second
)

// Sign returns the hex HMAC-SHA512 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifySignature(secret string, body []byte, header string) bool {
	sig, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

type outbound struct {
	peer config.Peer
	body []byte
}

// HTTPTransport posts signed messages to {address}{web_path}/gossip of the
// configured peers. Send only enqueues; a worker pool started by Run does
// the requests.
type HTTPTransport struct {
	cfg    *config.MainConfig
	client *http.Client
	logger *zap.Logger
	queue  chan outbound
}

func NewHTTPTransport(cfg *config.MainConfig, logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		cfg:    cfg,
		client: &http.Client{Timeout: sendTimeout},
		logger: logger.Named("transport"),
		queue:  make(chan outbound, outboundQueueSize),
	}
}

func (t *HTTPTransport) Send(ctx context.Context, peer string, msg dataType.GossipMessage) error {
	p, ok := t.cfg.PeerByName(peer)
	if !ok {
		return fmt.Errorf("%w: %s has no configured address", ErrPeerUnreachable, peer)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}
	select {
	case t.queue <- outbound{peer: p, body: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("%w: dropping message to %s", ErrQueueFull, peer)
	}
}

// Run drains the outbound queue until ctx is cancelled.
func (t *HTTPTransport) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for range outboundWorkers {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case o := <-t.queue:
					t.deliver(gctx, o)
				}
			}
		})
	}
	return g.Wait()
}

func (t *HTTPTransport) deliver(ctx context.Context, o outbound) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("recovered transport worker panic", zap.Any("panic", r))
		}
	}()
	if err := t.post(ctx, o); err != nil {
		t.logger.Warn("failed to send gossip", zap.String("peer", o.peer.Name), zap.Error(err))
	}
}

func (t *HTTPTransport) post(ctx context.Context, o outbound) error {
	url := o.peer.Address + t.cfg.WebPath + "/gossip"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(o.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(t.cfg.GlobalSecret, o.body))
	if o.peer.Host != "" {
		req.Host = o.peer.Host
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		if err := resp.Body.Close(); err != nil {
			t.logger.Debug("failed to close response body", zap.String("peer", o.peer.Name), zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s returned status %d", o.peer.Address, resp.StatusCode)
	}
	return nil
}
