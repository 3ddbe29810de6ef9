package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/mossy-p/roomcall/config"
	"github.com/mossy-p/roomcall/internal/models"
	"github.com/mossy-p/roomcall/internal/negotiation"
	"github.com/mossy-p/roomcall/internal/peer"
	"github.com/mossy-p/roomcall/internal/wire"
)

var (
	flagRoom        string
	flagUser        string
	flagCall        bool
	flagAutoAnswer  bool
	flagServer      string
	flagPath        string
	flagSubprotocol string
	flagReconnect   bool
	flagSTUN        string
	flagTURN        string
	flagTURNUser    string
	flagTURNPass    string
	flagNoAudio     bool
	flagNoVideo     bool
	flagWidth       int
	flagHeight      int
)

var joinCmd = &cobra.Command{
	Use:     "join",
	Aliases: []string{"j"},
	Short:   "Join a room and wait for, or place, a call",
	Long: `Join a room on the signaling relay. The first participant in a room is the
publisher and sends the offer once a call is agreed; the second answers it.

Examples:
  roomcall join --room standup --user alice --call
  roomcall join --room standup --user bob --auto-answer
  roomcall join --room standup --user bob --server wss://relay.example --subprotocol msgpack

If the camera or microphone cannot be opened, roomcall asks whether to try
again once they are free.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagRoom == "" || flagUser == "" {
			return errors.New("--room and --user are required")
		}
		if flagNoAudio && flagNoVideo {
			return errors.New("--no-audio and --no-video cannot both be set")
		}
		return joinRoom(cmd.Context())
	},
}

func joinRoom(ctx context.Context) error {
	var subprotocols []string
	if flagSubprotocol != "" {
		name, err := wire.ParseSubprotocol(flagSubprotocol)
		if err != nil {
			return err
		}
		subprotocols = []string{name}
	}
	cfg := config.LoadClient(config.ClientOptions{
		SignalURL:    flagServer,
		SocketPath:   flagPath,
		Subprotocols: subprotocols,
		Reconnect:    flagReconnect,
		STUNServer:   flagSTUN,
		TURNServer:   flagTURN,
		TURNUser:     flagTURNUser,
		TURNPass:     flagTURNPass,
		Width:        flagWidth,
		Height:       flagHeight,
	})

	logger := slog.Default()
	dir, known, err := newDirectory(cfg, logger)
	if err != nil {
		return fmt.Errorf("set up session: %w", err)
	}
	defer dir.Close()

	const view = "terminal"
	engine, err := dir.GetOrCreate(view, models.MediaConstraints{
		Audio:  !flagNoAudio,
		Video:  !flagNoVideo,
		Width:  cfg.Width,
		Height: cfg.Height,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	finished := make(chan error, 1)
	finish := func(err error) {
		select {
		case finished <- err:
		default:
		}
	}

	steps := &retrier{failed: make(chan retry, 1), finish: finish, log: logger}

	answers := make(chan string, 1)
	engine.On(negotiation.EventCallIncoming, func(ev negotiation.Event) {
		if flagAutoAnswer {
			go steps.attempt(ctx, engine.ApproveInvitation)
			return
		}
		select {
		case answers <- ev.From.UserName:
		default:
		}
	})
	engine.On(negotiation.EventRoleAssigned, func(ev negotiation.Event) {
		fmt.Printf("Role: %s\n", ev.Role)
	})
	engine.On(negotiation.EventSessionLive, func(negotiation.Event) {
		fmt.Println("Call is live. Press Ctrl+C to hang up.")
	})
	engine.On(negotiation.EventRemoteTrack, func(ev negotiation.Event) {
		go drain(logger, known.get(view), ev.Track)
	})
	engine.On(negotiation.EventPublishFailed, func(ev negotiation.Event) {
		logger.Warn("failed to publish local media", "error", ev.Err)
	})
	engine.On(negotiation.EventPeerLeft, func(ev negotiation.Event) {
		fmt.Printf("%s left the room.\n", ev.From.UserName)
		finish(nil)
	})
	engine.On(negotiation.EventSessionEnded, func(ev negotiation.Event) {
		finish(ev.Err)
	})

	fmt.Printf("Connecting to %s...\n", cfg.SignalURL)
	if err := engine.Initialize(ctx); err != nil {
		return err
	}
	role, err := engine.Login(ctx, flagRoom, flagUser)
	if err != nil {
		return err
	}
	fmt.Printf("Joined room %q as %s (%s).\n", flagRoom, flagUser, role)

	if flagCall {
		fmt.Println("Calling...")
		steps.attempt(ctx, engine.InitiateCall)
	} else {
		fmt.Println("Waiting for a call...")
	}

	lines := readLines(os.Stdin)
	var (
		caller  string
		pending *retry
	)
	for {
		select {
		case from := <-answers:
			caller = from
			fmt.Printf("%s is calling. Answer? [y/N] ", caller)
		case r := <-steps.failed:
			pending = &r
			fmt.Print("Camera or microphone unavailable. Retry? [y/N] ")
		case line, ok := <-lines:
			if !ok {
				lines = nil
			}
			switch {
			case pending != nil:
				r := *pending
				pending = nil
				if ok && accepted(line) {
					go steps.attempt(ctx, r.run)
				} else {
					return r.err
				}
			case caller != "":
				caller = ""
				if ok && accepted(line) {
					go steps.attempt(ctx, engine.ApproveInvitation)
				} else {
					engine.DeclineInvitation()
					fmt.Println("Call declined.")
				}
			}
		case err := <-finished:
			return err
		case <-ctx.Done():
			fmt.Println("Hanging up.")
			return nil
		}
	}
}

// retry is a call step that failed only because local media was unavailable.
type retry struct {
	run func(context.Context) error
	err error
}

// retrier runs call steps. Steps that fail on local media are handed back on
// failed so they can be run again; any other failure ends the session.
type retrier struct {
	failed chan retry
	finish func(error)
	log    *slog.Logger
}

func (r *retrier) attempt(ctx context.Context, run func(context.Context) error) {
	err := run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, negotiation.ErrMediaAcquisition):
		r.log.Warn("local media unavailable", "error", err)
		select {
		case r.failed <- retry{run: run, err: err}:
		default:
		}
	default:
		r.finish(err)
	}
}

// readLines delivers lines from r until it fails, then closes the channel.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func accepted(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

// drain consumes a remote track until it ends, standing in for a renderer.
func drain(logger *slog.Logger, pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	if track == nil {
		return
	}
	kind := track.Kind().String()
	if pc != nil && track.Kind() == webrtc.RTPCodecTypeVideo {
		if err := peer.RequestKeyframe(pc, track); err != nil {
			logger.Debug("failed to request keyframe", "error", err)
		}
	}
	fmt.Printf("Receiving %s (%s).\n", kind, track.Codec().MimeType)

	stats, err := peer.Drain(track, nil)
	if err != nil {
		logger.Warn("remote track failed", "kind", kind, "error", err)
	}
	logger.Info("remote track ended", "kind", kind, "packets", stats.Packets, "bytes", stats.Bytes)
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagRoom, "room", "r", "", "Room to join")
	joinCmd.Flags().StringVarP(&flagUser, "user", "u", "", "Name to join as")
	joinCmd.Flags().BoolVarP(&flagCall, "call", "c", false, "Place the call after joining")
	joinCmd.Flags().BoolVarP(&flagAutoAnswer, "auto-answer", "y", false, "Answer incoming calls without asking")
	joinCmd.Flags().StringVar(&flagServer, "server", "", "Signaling relay URL")
	joinCmd.Flags().StringVar(&flagPath, "path", "", "Signaling socket path")
	joinCmd.Flags().StringVar(&flagSubprotocol, "subprotocol", "", "Wire encoding: json or msgpack")
	joinCmd.Flags().BoolVar(&flagReconnect, "reconnect", false, "Redial the relay after a dropped connection")
	joinCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	joinCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	joinCmd.Flags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().BoolVar(&flagNoAudio, "no-audio", false, "Do not capture the microphone")
	joinCmd.Flags().BoolVar(&flagNoVideo, "no-video", false, "Do not capture the camera")
	joinCmd.Flags().IntVar(&flagWidth, "width", 0, "Maximum capture width")
	joinCmd.Flags().IntVar(&flagHeight, "height", 0, "Maximum capture height")
}
