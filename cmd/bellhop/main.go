// Bellhop is a peer-to-peer booking relay agent.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// The bellhop agent runs in one of two roles. A client durably queues
// booking ops in a local outbox and pumps them to a gateway peer over
// the overlay. A gateway persists submissions, forwards them to the
// central API with retries, and emits simulated confirmation emails.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"bellhop/internal/broker"
	"bellhop/internal/broker/store"
	"bellhop/internal/outbox"
	"bellhop/internal/p2p"
	"bellhop/internal/statusapi"
	"bellhop/pkg/wire"
)

const (
	roleClient  = "client"
	roleGateway = "gateway"

	pumpTick      = 2 * time.Second
	pumpBatch     = 50
	requestBudget = 30 * time.Second
)

// Config holds runtime configuration for the agent. Values come from
// environment variables and/or flags; flags take precedence.
type Config struct {
	Role             string        // BELLHOP_ROLE: client|gateway
	StatusAddr       string        // BELLHOP_STATUS_ADDR
	P2PListen        string        // BELLHOP_P2P_LISTEN
	DBPath           string        // BELLHOP_DB_PATH
	IdentityPath     string        // BELLHOP_IDENTITY_PATH
	CentralAPIURL    string        // BELLHOP_CENTRAL_API_URL (required on gateways)
	MaxRetryAttempts int           // BELLHOP_MAX_RETRY_ATTEMPTS
	InitialBackoffMS int64         // BELLHOP_INITIAL_BACKOFF_MS
	ForwardTick      time.Duration // BELLHOP_FORWARD_TICK
	NotifyTick       time.Duration // BELLHOP_NOTIFY_TICK
	BatchLimit       int           // BELLHOP_BATCH_LIMIT
	SweepInterval    time.Duration // BELLHOP_SWEEP_INTERVAL (0 disables the sweeper)
	BootstrapPeers   string        // BELLHOP_BOOTSTRAP_PEERS (comma-separated multiaddrs)
	EnableMDNS       bool          // BELLHOP_ENABLE_MDNS
	GatewayAddr      string        // BELLHOP_GATEWAY_ADDR (client-side fixed gateway)
	StatusAuthHash   string        // BELLHOP_STATUS_AUTH_HASH (bcrypt; empty disables auth)
	ActorID          string        // BELLHOP_ACTOR_ID
}

// oneShot holds the client's one-shot action flags.
type oneShot struct {
	book     bool
	date     string
	start    string
	end      string
	name     string
	email    string
	cid      string
	opCreate bool
	opList   bool
}

func defaultConfig() Config {
	return Config{
		Role:             roleClient,
		DBPath:           "bellhop.db",
		IdentityPath:     "bellhop.key",
		MaxRetryAttempts: 10,
		InitialBackoffMS: 1000,
		ForwardTick:      time.Second,
		NotifyTick:       2 * time.Second,
		BatchLimit:       10,
		EnableMDNS:       true,
		ActorID:          "actor-1",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// parseConfig builds the Config and one-shot actions from env + flags.
func parseConfig() (Config, oneShot) {
	def := defaultConfig()

	cfg := Config{
		Role:             getenv("BELLHOP_ROLE", def.Role),
		StatusAddr:       getenv("BELLHOP_STATUS_ADDR", ""),
		P2PListen:        getenv("BELLHOP_P2P_LISTEN", ""),
		DBPath:           getenv("BELLHOP_DB_PATH", def.DBPath),
		IdentityPath:     getenv("BELLHOP_IDENTITY_PATH", def.IdentityPath),
		CentralAPIURL:    getenv("BELLHOP_CENTRAL_API_URL", ""),
		MaxRetryAttempts: getenvInt("BELLHOP_MAX_RETRY_ATTEMPTS", def.MaxRetryAttempts),
		InitialBackoffMS: getenvInt64("BELLHOP_INITIAL_BACKOFF_MS", def.InitialBackoffMS),
		ForwardTick:      getenvDuration("BELLHOP_FORWARD_TICK", def.ForwardTick),
		NotifyTick:       getenvDuration("BELLHOP_NOTIFY_TICK", def.NotifyTick),
		BatchLimit:       getenvInt("BELLHOP_BATCH_LIMIT", def.BatchLimit),
		SweepInterval:    getenvDuration("BELLHOP_SWEEP_INTERVAL", 0),
		BootstrapPeers:   getenv("BELLHOP_BOOTSTRAP_PEERS", ""),
		EnableMDNS:       getenvBool("BELLHOP_ENABLE_MDNS", def.EnableMDNS),
		GatewayAddr:      getenv("BELLHOP_GATEWAY_ADDR", ""),
		StatusAuthHash:   getenv("BELLHOP_STATUS_AUTH_HASH", ""),
		ActorID:          getenv("BELLHOP_ACTOR_ID", def.ActorID),
	}

	flag.StringVar(&cfg.Role, "role", cfg.Role, "Agent role: client|gateway (env BELLHOP_ROLE)")
	flag.StringVar(&cfg.StatusAddr, "status-addr", cfg.StatusAddr, "Status API listen address (env BELLHOP_STATUS_ADDR)")
	flag.StringVar(&cfg.P2PListen, "p2p-listen", cfg.P2PListen, "P2P listen multiaddr (env BELLHOP_P2P_LISTEN)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env BELLHOP_DB_PATH)")
	flag.StringVar(&cfg.IdentityPath, "identity", cfg.IdentityPath, "Identity key path (env BELLHOP_IDENTITY_PATH)")
	flag.StringVar(&cfg.CentralAPIURL, "central-api-url", cfg.CentralAPIURL, "Central API base URL (env BELLHOP_CENTRAL_API_URL)")
	flag.IntVar(&cfg.MaxRetryAttempts, "max-retries", cfg.MaxRetryAttempts, "Max forwarding retries (env BELLHOP_MAX_RETRY_ATTEMPTS)")
	flag.Int64Var(&cfg.InitialBackoffMS, "initial-backoff-ms", cfg.InitialBackoffMS, "Initial retry backoff in ms (env BELLHOP_INITIAL_BACKOFF_MS)")
	flag.DurationVar(&cfg.ForwardTick, "forward-tick", cfg.ForwardTick, "Forwarder scan cadence (env BELLHOP_FORWARD_TICK)")
	flag.DurationVar(&cfg.NotifyTick, "notify-tick", cfg.NotifyTick, "Notifier scan cadence (env BELLHOP_NOTIFY_TICK)")
	flag.IntVar(&cfg.BatchLimit, "batch-limit", cfg.BatchLimit, "Due-scan batch limit (env BELLHOP_BATCH_LIMIT)")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Stuck-sending sweep interval, 0 disables (env BELLHOP_SWEEP_INTERVAL)")
	flag.StringVar(&cfg.BootstrapPeers, "bootstrap", cfg.BootstrapPeers, "Comma-separated bootstrap multiaddrs (env BELLHOP_BOOTSTRAP_PEERS)")
	flag.BoolVar(&cfg.EnableMDNS, "mdns", cfg.EnableMDNS, "Enable mDNS discovery (env BELLHOP_ENABLE_MDNS)")
	flag.StringVar(&cfg.GatewayAddr, "gateway", cfg.GatewayAddr, "Gateway multiaddr for clients (env BELLHOP_GATEWAY_ADDR)")
	flag.StringVar(&cfg.StatusAuthHash, "status-auth-hash", cfg.StatusAuthHash, "bcrypt hash enabling status API basic auth (env BELLHOP_STATUS_AUTH_HASH)")
	flag.StringVar(&cfg.ActorID, "actor", cfg.ActorID, "Actor ID stamped on client ops (env BELLHOP_ACTOR_ID)")

	var shot oneShot
	flag.BoolVar(&shot.book, "book", false, "Enqueue a booking op and pump it to the gateway")
	flag.StringVar(&shot.date, "date", "", "Booking date, e.g. 2026-01-15")
	flag.StringVar(&shot.start, "start", "", "Booking start time, e.g. 10:00")
	flag.StringVar(&shot.end, "end", "", "Booking end time, e.g. 11:00")
	flag.StringVar(&shot.name, "name", "", "Booking name")
	flag.StringVar(&shot.email, "email", "", "Notification email")
	flag.StringVar(&shot.cid, "cid", "", "Correlation ID (default: new UUID)")
	flag.BoolVar(&shot.opCreate, "op-create", false, "Enqueue a demo op and exit")
	flag.BoolVar(&shot.opList, "op-list", false, "Print pending ops and exit")

	flag.Parse()

	// Role-dependent defaults for anything still unset.
	if cfg.StatusAddr == "" {
		if cfg.Role == roleGateway {
			cfg.StatusAddr = "127.0.0.1:7000"
		} else {
			cfg.StatusAddr = "127.0.0.1:7001"
		}
	}
	if cfg.P2PListen == "" {
		if cfg.Role == roleGateway {
			cfg.P2PListen = "/ip4/0.0.0.0/tcp/4001"
		} else {
			cfg.P2PListen = "/ip4/0.0.0.0/tcp/0"
		}
	}
	return cfg, shot
}

func splitPeers(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func logConfig(cfg Config) {
	log.Printf("configuration:")
	log.Printf("  role=%s", cfg.Role)
	log.Printf("  status_addr=%s", cfg.StatusAddr)
	log.Printf("  p2p_listen=%s", cfg.P2PListen)
	log.Printf("  db=%s", cfg.DBPath)
	log.Printf("  identity=%s", cfg.IdentityPath)
	if cfg.Role == roleGateway {
		log.Printf("  central_api_url=%s", cfg.CentralAPIURL)
		log.Printf("  max_retries=%d initial_backoff_ms=%d", cfg.MaxRetryAttempts, cfg.InitialBackoffMS)
		log.Printf("  forward_tick=%s notify_tick=%s batch=%d sweep=%s", cfg.ForwardTick, cfg.NotifyTick, cfg.BatchLimit, cfg.SweepInterval)
	}
	log.Printf("  mdns=%v bootstrap=%q gateway=%q", cfg.EnableMDNS, cfg.BootstrapPeers, cfg.GatewayAddr)
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[bellhop] ")

	cfg, shot := parseConfig()
	if cfg.Role != roleClient && cfg.Role != roleGateway {
		log.Printf("invalid role %q: want client or gateway", cfg.Role)
		os.Exit(2)
	}
	logConfig(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if cfg.Role == roleGateway {
		err = runGateway(ctx, cfg)
	} else {
		err = runClient(ctx, cfg, shot)
	}
	if err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

// runGateway wires the broker pipeline: store, submit handler, forwarder,
// notifier, overlay handler, and status API.
func runGateway(ctx context.Context, cfg Config) error {
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open broker store: %w", err)
	}
	defer st.Close()

	ops, err := outbox.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open op store: %w", err)
	}
	defer ops.Close()

	submit := broker.NewSubmitHandler(st, log.Default())
	forwarder, err := broker.NewForwarder(st, broker.ForwarderConfig{
		CentralAPIURL:    cfg.CentralAPIURL,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		InitialBackoffMS: cfg.InitialBackoffMS,
		Tick:             cfg.ForwardTick,
		BatchLimit:       cfg.BatchLimit,
		SweepInterval:    cfg.SweepInterval,
	}, log.Default())
	if err != nil {
		return err
	}
	notifier := broker.NewNotifier(st, broker.NotifierConfig{
		Tick:       cfg.NotifyTick,
		BatchLimit: cfg.BatchLimit,
	}, log.Default())

	node, err := p2p.New(ctx, p2p.Config{
		Role:           roleGateway,
		ListenAddr:     cfg.P2PListen,
		IdentityPath:   cfg.IdentityPath,
		BootstrapPeers: splitPeers(cfg.BootstrapPeers),
		EnableMDNS:     cfg.EnableMDNS,
	}, gatewayHandler(submit, ops), log.Default())
	if err != nil {
		return err
	}
	defer node.Close()

	status := statusapi.New(statusapi.Config{
		Addr:     cfg.StatusAddr,
		Role:     roleGateway,
		PeerID:   node.PeerID(),
		AuthHash: cfg.StatusAuthHash,
		Logger:   log.Default(),
	}, node.Registry().View, st)

	go forwarder.Run(ctx)
	go notifier.Run(ctx)
	go node.Run(ctx)
	return status.Run(ctx)
}

// runClient wires the op outbox, pump loop, overlay node, and status API,
// and dispatches any one-shot action first.
func runClient(ctx context.Context, cfg Config, shot oneShot) error {
	ops, err := outbox.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open op outbox: %w", err)
	}
	defer ops.Close()

	if shot.opCreate {
		op := outbox.NewDemoOp(cfg.ActorID)
		if _, err := ops.Enqueue(ctx, op); err != nil {
			return err
		}
		log.Printf("enqueued demo op %s", op.OpID)
		return nil
	}
	if shot.opList {
		pending, err := ops.ListPending(ctx, pumpBatch)
		if err != nil {
			return err
		}
		log.Printf("%d pending op(s)", len(pending))
		for _, op := range pending {
			log.Printf("  %s %s/%s actor=%s created_at_ms=%d", op.OpID, op.Kind, op.Entity, op.ActorID, op.CreatedAtMS)
		}
		return nil
	}
	if shot.book {
		sub := wire.SubmitBooking{
			CorrelationID: shot.cid,
			Booking: wire.BookingData{
				Date:      shot.date,
				StartTime: shot.start,
				EndTime:   shot.end,
				Name:      shot.name,
			},
			Notify: wire.NotifyData{Email: shot.email},
		}
		if sub.CorrelationID == "" {
			sub.CorrelationID = uuid.NewString()
		}
		op, err := outbox.NewBookingOp(cfg.ActorID, sub)
		if err != nil {
			return err
		}
		if _, err := ops.Enqueue(ctx, op); err != nil {
			return err
		}
		log.Printf("enqueued booking correlation_id=%s", sub.CorrelationID)
		// Fall through: the running agent pumps it to the gateway.
	}

	node, err := p2p.New(ctx, p2p.Config{
		Role:           roleClient,
		ListenAddr:     cfg.P2PListen,
		IdentityPath:   cfg.IdentityPath,
		BootstrapPeers: splitPeers(cfg.BootstrapPeers),
		EnableMDNS:     cfg.EnableMDNS,
	}, clientHandler(), log.Default())
	if err != nil {
		return err
	}
	defer node.Close()

	status := statusapi.New(statusapi.Config{
		Addr:     cfg.StatusAddr,
		Role:     roleClient,
		PeerID:   node.PeerID(),
		AuthHash: cfg.StatusAuthHash,
		Logger:   log.Default(),
	}, node.Registry().View, nil)

	go node.Run(ctx)
	go runPump(ctx, node, ops, cfg.GatewayAddr)
	return status.Run(ctx)
}

// gatewayHandler dispatches inbound wire messages on a gateway node.
func gatewayHandler(submit *broker.SubmitHandler, ops *outbox.Store) p2p.Handler {
	return func(ctx context.Context, msg wire.Message) wire.Message {
		switch msg.Type {
		case wire.TypeSubmitBooking:
			sb := msg.SubmitBooking
			ack, err := submit.Submit(ctx, sb.CorrelationID, sb.Booking, sb.Notify)
			if err != nil {
				log.Printf("submit %s failed: %v", sb.CorrelationID, err)
				return wire.NewBookingAck(sb.CorrelationID, wire.AckError)
			}
			return wire.NewBookingAck(ack.CorrelationID, ack.Status)

		case wire.TypeOpSubmit:
			op := msg.OpSubmit.Op
			rec := outbox.Op{
				OpID:        op.OpID,
				ActorID:     op.ActorID,
				Kind:        op.Kind,
				Entity:      op.Entity,
				PayloadJSON: op.PayloadJSON,
				CreatedAtMS: op.CreatedAtMS,
				Status:      outbox.StatusAcked,
			}
			if _, err := ops.Enqueue(ctx, rec); err != nil {
				log.Printf("op %s store failed: %v", op.OpID, err)
				return wire.NewOpAck(op.OpID, false, err.Error())
			}
			return wire.NewOpAck(op.OpID, true, "")

		case wire.TypeHeartbeat:
			return wire.NewHeartbeat(roleGateway)

		default:
			log.Printf("unhandled message type %q", msg.Type)
			return wire.NewBookingAck("", wire.AckError)
		}
	}
}

// clientHandler answers probes on a client node; booking traffic only
// flows toward gateways.
func clientHandler() p2p.Handler {
	return func(ctx context.Context, msg wire.Message) wire.Message {
		switch msg.Type {
		case wire.TypeHeartbeat:
			return wire.NewHeartbeat(roleClient)
		case wire.TypeSubmitBooking:
			return wire.NewBookingAck(msg.SubmitBooking.CorrelationID, wire.AckError)
		case wire.TypeOpSubmit:
			return wire.NewOpAck(msg.OpSubmit.Op.OpID, false, "peer is not a gateway")
		default:
			return wire.NewBookingAck("", wire.AckError)
		}
	}
}

// runPump drains pending client ops to the gateway peer every tick. With
// no reachable gateway, ops simply stay pending for a later tick.
func runPump(ctx context.Context, node *p2p.Node, ops *outbox.Store, gatewayAddr string) {
	ticker := time.NewTicker(pumpTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pumpOnce(ctx, node, ops, gatewayAddr); err != nil {
				log.Printf("pump: %v", err)
			}
		}
	}
}

func pumpOnce(ctx context.Context, node *p2p.Node, ops *outbox.Store, gatewayAddr string) error {
	pending, err := ops.ListPending(ctx, pumpBatch)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	pid, err := gatewayPeer(ctx, node, gatewayAddr)
	if err != nil {
		return err
	}

	for _, op := range pending {
		reqCtx, cancel := context.WithTimeout(ctx, requestBudget)
		err := pumpOp(reqCtx, node, ops, pid, op)
		cancel()
		if err != nil {
			log.Printf("pump op %s: %v", op.OpID, err)
		}
	}
	return nil
}

func gatewayPeer(ctx context.Context, node *p2p.Node, gatewayAddr string) (peer.ID, error) {
	if gatewayAddr != "" {
		return node.Connect(ctx, gatewayAddr)
	}
	pid, ok := node.FirstConnectedPeer()
	if !ok {
		return "", errors.New("no gateway peer connected")
	}
	return pid, nil
}

func pumpOp(ctx context.Context, node *p2p.Node, ops *outbox.Store, pid peer.ID, op outbox.Op) error {
	var msg wire.Message
	if op.Kind == outbox.KindSubmitBooking {
		var sub wire.SubmitBooking
		if err := json.Unmarshal([]byte(op.PayloadJSON), &sub); err != nil {
			_ = ops.MarkFailed(ctx, op.OpID, "corrupt payload: "+err.Error())
			return fmt.Errorf("corrupt booking payload: %w", err)
		}
		msg = wire.NewSubmitBooking(sub.CorrelationID, sub.Booking, sub.Notify)
	} else {
		msg = wire.NewOpSubmit(wire.Op{
			OpID:        op.OpID,
			ActorID:     op.ActorID,
			Kind:        op.Kind,
			Entity:      op.Entity,
			PayloadJSON: op.PayloadJSON,
			CreatedAtMS: op.CreatedAtMS,
		})
	}

	reply, err := node.Request(ctx, pid, msg)
	if err != nil {
		// Leave pending; the next tick retries.
		return err
	}
	if err := ops.MarkSent(ctx, op.OpID); err != nil {
		return err
	}

	switch reply.Type {
	case wire.TypeBookingAck:
		switch reply.BookingAck.Status {
		case wire.AckQueued, wire.AckConfirmed:
			log.Printf("booking %s acked status=%s", op.OpID, reply.BookingAck.Status)
			return ops.MarkAcked(ctx, op.OpID)
		default:
			log.Printf("booking %s rejected status=%s", op.OpID, reply.BookingAck.Status)
			return ops.MarkFailed(ctx, op.OpID, "gateway status: "+reply.BookingAck.Status)
		}
	case wire.TypeOpAck:
		if reply.OpAck.OK {
			return ops.MarkAcked(ctx, op.OpID)
		}
		return ops.MarkFailed(ctx, op.OpID, reply.OpAck.Msg)
	default:
		return ops.MarkFailed(ctx, op.OpID, "unexpected reply type "+reply.Type)
	}
}
