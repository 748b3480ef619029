// Command consult joins a consultation as a headless participant: it sends
// camera and microphone, reads remote media and relays chat from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/preetsinghmakkar/CounselCall/internal/config"
	"github.com/preetsinghmakkar/CounselCall/internal/consultation"
	"github.com/preetsinghmakkar/CounselCall/internal/media"
	"github.com/preetsinghmakkar/CounselCall/internal/media/capture"
	"github.com/preetsinghmakkar/CounselCall/internal/models"
	"github.com/preetsinghmakkar/CounselCall/internal/peer"
	"github.com/preetsinghmakkar/CounselCall/internal/signaling"
	"github.com/rs/zerolog"
)

const joinTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a TOML client config")
	sessionID := flag.String("session", "", "consultation session id")
	token := flag.String("token", os.Getenv("COUNSELCALL_TOKEN"), "access token (default $COUNSELCALL_TOKEN)")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()

	if *sessionID == "" || *token == "" {
		log.Fatal().Msg("-session and -token are required")
	}

	if err := run(cfg, *sessionID, *token, log); err != nil {
		log.Fatal().Err(err).Msg("consultation failed")
	}
}

func run(cfg config.ClientConfig, sessionID, token string, log zerolog.Logger) error {
	devices, err := capture.New(log)
	if err != nil {
		return fmt.Errorf("open devices: %w", err)
	}
	engine, err := devices.MediaEngine()
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	links, err := peer.NewFactory(engine, iceServers(cfg.ICEServers), log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ended := make(chan struct{})
	var endOnce sync.Once
	finish := func() { endOnce.Do(func() { close(ended) }) }

	drains := newDrainer(log)
	coord := consultation.NewCoordinator(consultation.Config{
		SessionID: sessionID,
		Token:     token,
		Settings:  &models.MediaSettings{HasVideo: cfg.Video, HasAudio: cfg.Audio},
		OnError: func(err *consultation.Error) {
			if err.Kind != consultation.KindChannel {
				log.Warn().Err(err.Err).Str("kind", string(err.Kind)).Str("user_id", err.UserID).Msg("consultation error")
				return
			}
			log.Error().Err(err.Err).Msg("signaling lost")
			finish()
		},
		OnEnded: func() {
			log.Info().Msg("the host ended the consultation")
			finish()
		},
		OnRemoteStream: func(p models.Participant, stream *peer.RemoteStream) {
			drains.consume(p, stream)
		},
		OnParticipantsChanged: func(ps []models.Participant) {
			names := make([]string, 0, len(ps))
			for _, p := range ps {
				names = append(names, p.Email)
			}
			log.Info().Strs("participants", names).Msg("roster changed")
		},
		OnMessage: func(msg models.RoomMessage) {
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Local().Format(time.Kitchen), msg.Email, msg.Message)
		},
	}, func(sid string) consultation.Channel {
		return signaling.New(cfg.ServerURL, sid, log)
	}, links, media.NewController(devices, log), log)

	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	err = coord.Join(joinCtx)
	cancel()
	if err != nil {
		return err
	}
	defer coord.Leave()

	fmt.Println("joined. type to chat; /video, /audio, /share, /unshare, /end, /quit")
	go readCommands(ctx, coord, log, finish)

	select {
	case <-ctx.Done():
		log.Info().Msg("leaving")
	case <-ended:
	}
	return nil
}

func readCommands(ctx context.Context, coord *consultation.Coordinator, log zerolog.Logger, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var err error

		switch line {
		case "/quit":
			quit()
			return
		case "/video":
			on := !coord.Settings().HasVideo
			coord.UpdateSettings(consultation.SettingsUpdate{HasVideo: &on})
		case "/audio":
			on := !coord.Settings().HasAudio
			coord.UpdateSettings(consultation.SettingsUpdate{HasAudio: &on})
		case "/share":
			err = coord.StartScreenShare(ctx)
		case "/unshare":
			err = coord.StopScreenShare(ctx)
		case "/end":
			err = coord.EndMeeting()
		default:
			err = coord.SendMessage(line)
		}

		if err != nil && !errors.Is(err, consultation.ErrNotActive) {
			log.Warn().Err(err).Str("command", line).Msg("command failed")
		}
	}
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// drainer reads every remote track so the receivers keep flowing.
type drainer struct {
	log zerolog.Logger

	mu   sync.Mutex
	seen map[*webrtc.TrackRemote]struct{}
}

func newDrainer(log zerolog.Logger) *drainer {
	return &drainer{log: log, seen: make(map[*webrtc.TrackRemote]struct{})}
}

func (d *drainer) consume(p models.Participant, stream *peer.RemoteStream) {
	for _, track := range stream.Tracks() {
		d.mu.Lock()
		_, dup := d.seen[track]
		d.seen[track] = struct{}{}
		d.mu.Unlock()
		if dup {
			continue
		}

		d.log.Info().Str("user_id", p.UserID).Str("kind", track.Kind().String()).Msg("receiving remote media")
		go func(t *webrtc.TrackRemote) {
			buf := make([]byte, 1500)
			for {
				if _, _, err := t.Read(buf); err != nil {
					d.mu.Lock()
					delete(d.seen, t)
					d.mu.Unlock()
					return
				}
			}
		}(track)
	}
}
