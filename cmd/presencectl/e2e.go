package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/auth"
	"github.com/duochat/chat-app/internal/messaging"
	"github.com/duochat/chat-app/internal/protocol"
	"github.com/duochat/chat-app/internal/wsclient"
)

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) print() {
	line := r.name
	if r.detail != "" {
		line += " (" + r.detail + ")"
	}
	switch r.kind {
	case resultPass:
		color.Green("[PASS] %s", line)
	case resultFail:
		color.Red("[FAIL] %s", line)
	default:
		color.Yellow("[INFO] %s", line)
	}
}

type e2eOptions struct {
	wsURL   string
	mode    string
	secret  string
	natsURL string
	timeout time.Duration
}

// runner dials test users with the configured identity mode.
type runner struct {
	opts   e2eOptions
	signer *auth.JWTResolver
	bus    *messaging.NATSClient
}

func createE2ECmd() *cobra.Command {
	var opts e2eOptions

	cmd := &cobra.Command{
		Use:   "e2e",
		Short: "Run the presence scenarios against a running server",
		Long: `Connects pairs of throwaway users and checks the observable presence
behavior: unauthenticated upgrades are refused, entering a chat yields active
then connect, read receipts flow on the connect edge, and a disconnect is
reported to the peer. Message scenarios need --nats.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRunner(opts)
			if err != nil {
				return err
			}
			if r.bus != nil {
				defer r.bus.Close()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			color.Cyan("=== duochat presence e2e ===")
			fmt.Printf("Server: %s (auth=%s)\n\n", opts.wsURL, opts.mode)

			results := []scenarioResult{
				r.scenarioUnauthenticated(ctx),
				r.scenarioEnterAndConnect(ctx),
				r.scenarioReadReceipts(ctx),
				r.scenarioDisconnect(ctx),
			}

			passed, failed := 0, 0
			for _, res := range results {
				res.print()
				switch res.kind {
				case resultPass:
					passed++
				case resultFail:
					failed++
				}
			}
			fmt.Printf("\n=== Results: %d/%d passed ===\n", passed, passed+failed)
			if failed > 0 {
				return fmt.Errorf("%d scenario(s) failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.wsURL, "url", "ws://localhost:8080/ws", "WebSocket endpoint")
	cmd.Flags().StringVar(&opts.mode, "auth", "query", "identity mode of the server: query or jwt")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "JWT secret (jwt mode)")
	cmd.Flags().StringVar(&opts.natsURL, "nats", "", "NATS URL for message scenarios (optional)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "global test timeout")
	return cmd
}

func newRunner(opts e2eOptions) (*runner, error) {
	r := &runner{opts: opts}
	switch opts.mode {
	case "query":
	case "jwt":
		signer, err := auth.NewJWTResolver(opts.secret, "")
		if err != nil {
			return nil, err
		}
		r.signer = signer
	default:
		return nil, fmt.Errorf("unknown auth mode %q", opts.mode)
	}

	if opts.natsURL != "" {
		cfg := messaging.DefaultNATSConfig()
		cfg.URL = opts.natsURL
		cfg.Name = "presencectl"
		cfg.MaxReconnects = 0
		bus, err := messaging.NewNATSClient(cfg, zap.NewNop())
		if err != nil {
			return nil, err
		}
		r.bus = bus
	}
	return r, nil
}

func (r *runner) dial(ctx context.Context, userID string) (*wsclient.Client, error) {
	if r.signer == nil {
		return wsclient.Dial(ctx, r.opts.wsURL+"?userId="+url.QueryEscape(userID), nil)
	}
	token, err := r.signer.Sign(userID, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
	})
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	return wsclient.Dial(ctx, r.opts.wsURL, header)
}

// pair dials two fresh users.
func (r *runner) pair(ctx context.Context) (a, b *wsclient.Client, err error) {
	suffix := uuid.NewString()[:8]
	a, err = r.dial(ctx, "e2e-a-"+suffix)
	if err != nil {
		return nil, nil, fmt.Errorf("dial a: %w", err)
	}
	b, err = r.dial(ctx, "e2e-b-"+suffix)
	if err != nil {
		a.Close()
		return nil, nil, fmt.Errorf("dial b: %w", err)
	}
	return a, b, nil
}

func (r *runner) scenarioUnauthenticated(ctx context.Context) scenarioResult {
	name := "Unauthenticated upgrade is refused"

	httpURL := "http" + strings.TrimPrefix(r.opts.wsURL, "ws")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, nil)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		return scenarioResult{name, resultFail, fmt.Sprintf("expected 401, got %d", resp.StatusCode)}
	}
	return scenarioResult{name, resultPass, ""}
}

func (r *runner) scenarioEnterAndConnect(ctx context.Context) scenarioResult {
	name := "Enter chat: active, then connect"

	a, b, err := r.pair(ctx)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer a.Close()
	defer b.Close()

	if err := a.EnterChat(b.UserID()); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if status, err := a.ExpectStatus(ctx, b.UserID()); err != nil || status != "active" {
		return scenarioResult{name, resultFail, fmt.Sprintf("a: status %q, err %v", status, err)}
	}
	f, err := b.Expect(ctx, protocol.TypeUserEnteredChat)
	if err != nil {
		return scenarioResult{name, resultFail, "b: " + err.Error()}
	}
	var entered protocol.UserPresenceMsg
	if f.Decode(&entered) != nil || entered.UserID != a.UserID() {
		return scenarioResult{name, resultFail, "b: userEnteredChat names the wrong user"}
	}

	if err := b.EnterChat(a.UserID()); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if status, err := b.ExpectStatus(ctx, a.UserID()); err != nil || status != "connect" {
		return scenarioResult{name, resultFail, fmt.Sprintf("b: status %q, err %v", status, err)}
	}
	if status, err := a.ExpectStatus(ctx, b.UserID()); err != nil || status != "connect" {
		return scenarioResult{name, resultFail, fmt.Sprintf("a: status %q, err %v", status, err)}
	}
	return scenarioResult{name, resultPass, ""}
}

func (r *runner) scenarioReadReceipts(ctx context.Context) scenarioResult {
	name := "Read receipts on the connect edge"
	if r.bus == nil {
		return scenarioResult{name, resultInfo, "skipped, no --nats"}
	}

	a, b, err := r.pair(ctx)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer a.Close()
	defer b.Close()

	req, _ := json.Marshal(messaging.SendRequest{SenderID: a.UserID(), ReceiverID: b.UserID(), Text: "hello from e2e"})
	data, err := r.bus.Request(messaging.SubjectMessageSend, req, 5*time.Second)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	var sent messaging.SendReply
	if err := json.Unmarshal(data, &sent); err != nil || sent.Message == nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send reply %s", data)}
	}
	if sent.Message.IsRead {
		return scenarioResult{name, resultFail, "message stored read while users were apart"}
	}
	if _, err := b.Expect(ctx, protocol.TypeNewMessage); err != nil {
		return scenarioResult{name, resultFail, "b: " + err.Error()}
	}

	if err := a.EnterChat(b.UserID()); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if err := b.EnterChat(a.UserID()); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}

	f, err := a.Expect(ctx, protocol.TypeMessagesRead)
	if err != nil {
		return scenarioResult{name, resultFail, "a: " + err.Error()}
	}
	var read protocol.MessagesReadMsg
	if err := f.Decode(&read); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if read.By != b.UserID() || len(read.MessageIDs) != 1 || read.MessageIDs[0] != sent.Message.ID {
		return scenarioResult{name, resultFail, fmt.Sprintf("unexpected messagesRead %+v", read)}
	}
	return scenarioResult{name, resultPass, ""}
}

func (r *runner) scenarioDisconnect(ctx context.Context) scenarioResult {
	name := "Disconnect while paired notifies the peer"

	a, b, err := r.pair(ctx)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer b.Close()

	if err := a.EnterChat(b.UserID()); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if err := b.EnterChat(a.UserID()); err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	if status, err := b.ExpectStatus(ctx, a.UserID()); err != nil || status != "connect" {
		return scenarioResult{name, resultFail, fmt.Sprintf("b: status %q, err %v", status, err)}
	}

	a.Close()

	f, err := b.Expect(ctx, protocol.TypeUserLeftChat)
	if err != nil {
		return scenarioResult{name, resultFail, "b: " + err.Error()}
	}
	var left protocol.UserPresenceMsg
	if f.Decode(&left) != nil || left.UserID != a.UserID() {
		return scenarioResult{name, resultFail, "userLeftChat names the wrong user"}
	}
	if status, err := b.ExpectStatus(ctx, a.UserID()); err != nil || status != "offline" {
		return scenarioResult{name, resultFail, fmt.Sprintf("b: status %q, err %v", status, err)}
	}

	notices := b.Notices()
	if len(notices) == 0 || !notices[len(notices)-1].IsSystemMessage {
		return scenarioResult{name, resultFail, "no system notice synthesized"}
	}
	return scenarioResult{name, resultPass, ""}
}
