// Command moodsync-probe is a headless room participant. It joins a room,
// optionally reports emotion labels on an interval and logs every frame the
// relay sends.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"

	"github.com/moodsync/relay/internal/client"
	"github.com/moodsync/relay/internal/mood"
	"github.com/moodsync/relay/internal/protocol"
)

type options struct {
	url      string
	room     string
	name     string
	host     bool
	apiKey   string
	token    string
	inQuery  bool
	emotions []string
	interval time.Duration
	chat     string
	duration time.Duration
}

func parseOptions(args []string) (options, error) {
	var (
		o        options
		emotions string
	)
	fs := flag.NewFlagSet("moodsync-probe", flag.ContinueOnError)
	fs.StringVar(&o.url, "url", "ws://127.0.0.1:3000/ws", "Relay WebSocket URL")
	fs.StringVar(&o.room, "room", "", "Room code to join (required)")
	fs.StringVar(&o.name, "name", "probe", "Display name")
	fs.BoolVar(&o.host, "host", false, "Join as host")
	fs.StringVar(&o.apiKey, "api-key", os.Getenv("API_KEY"), "API key (env API_KEY)")
	fs.StringVar(&o.token, "token", os.Getenv("MOODSYNC_TOKEN"), "JWT (env MOODSYNC_TOKEN)")
	fs.BoolVar(&o.inQuery, "credential-in-query", false, "Send the credential as a query parameter instead of an auth message")
	fs.StringVar(&emotions, "emotion", "", "Comma-separated emotion labels reported in turn every interval")
	fs.DurationVar(&o.interval, "interval", 5*time.Second, "Emotion report interval")
	fs.StringVar(&o.chat, "chat", "", "Chat message sent after joining")
	fs.DurationVar(&o.duration, "duration", 0, "Leave after this long (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(o.room) == "" {
		return options{}, errors.New("--room is required")
	}
	for _, label := range strings.Split(emotions, ",") {
		label = strings.ToLower(strings.TrimSpace(label))
		if label == "" {
			continue
		}
		if !mood.IsLabel(label) {
			return options{}, fmt.Errorf("--emotion: unknown label %q (want one of %s)", label, strings.Join(mood.Labels, ", "))
		}
		o.emotions = append(o.emotions, label)
	}
	if len(o.emotions) > 0 && o.interval <= 0 {
		return options{}, errors.New("--interval must be > 0")
	}
	return o, nil
}

func main() {
	o, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	if err := run(ctx, o, logger); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("probe failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, logger *slog.Logger) (err error) {
	defer err2.Handle(&err)

	c := try.To1(client.Dial(ctx, client.Options{
		URL:               o.url,
		APIKey:            o.apiKey,
		Token:             o.token,
		CredentialInQuery: o.inQuery,
	}))
	defer c.Close()
	logger = logger.With("participant_id", c.ID())
	logger.Info("connected", "ice_servers", len(c.ICEServers()))

	joined := try.To1(c.Join(ctx, o.room, o.name, o.host))
	logger = logger.With("room", joined.RoomID)
	logger.Info("joined", "participants", len(joined.Participants))

	if o.chat != "" {
		try.To(c.Chat(o.chat))
	}

	frames := make(chan protocol.ServerMessage)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := c.Next(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- msg:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
	}()

	var tick <-chan time.Time
	if len(o.emotions) > 0 {
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	next := 0
	for {
		select {
		case msg := <-frames:
			logFrame(logger, msg)
		case <-tick:
			label := o.emotions[next%len(o.emotions)]
			next++
			try.To(c.Emotion(label))
			logger.Debug("reported emotion", "emotion", label)
		case err := <-readErr:
			if errors.Is(err, client.ErrClosed) {
				logger.Info("relay closed the connection")
				return nil
			}
			return err
		case <-ctx.Done():
			if err := c.Leave(); err != nil {
				logger.Warn("leave", "err", err)
			}
			return ctx.Err()
		}
	}
}

func logFrame(logger *slog.Logger, msg protocol.ServerMessage) {
	attrs := []any{"event", msg.Type}
	switch msg.Type {
	case protocol.TypeError:
		attrs = append(attrs, "code", msg.Code, "message", msg.Message)
	case protocol.TypeParticipants:
		names := make([]string, 0, len(msg.Participants))
		for _, p := range msg.Participants {
			names = append(names, p.Name)
		}
		attrs = append(attrs, "participants", names)
	case protocol.TypeEmotionUpdate:
		attrs = append(attrs, "from", msg.From, "emotion", msg.Emotion)
	case protocol.TypeChatMessage:
		attrs = append(attrs, "name", msg.Name, "message", msg.Message, "time", msg.Time)
	case protocol.TypeMoodUpdate:
		if msg.Mood != nil {
			attrs = append(attrs, "mood", msg.Mood.Mood, "engagement", msg.Mood.Engagement, "total", msg.Mood.Total)
		}
	case protocol.TypeForceMute:
		attrs = append(attrs, "by", msg.By)
	case protocol.TypeActiveSpeaker:
		attrs = append(attrs, "id", msg.ID, "name", msg.Name)
		if msg.Speaking != nil {
			attrs = append(attrs, "speaking", *msg.Speaking)
		}
	case protocol.TypePeerLeft:
		attrs = append(attrs, "id", msg.ID)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		attrs = append(attrs, "from", msg.From)
	}
	logger.Info("frame", attrs...)
}
