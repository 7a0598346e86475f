package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/duet/internal/adapters/channel"
	"github.com/dkeye/duet/internal/adapters/rtc"
	"github.com/dkeye/duet/internal/config"
	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
	"github.com/dkeye/duet/internal/session"
)

type chatFlags struct {
	videoFile string
	audioFile string
	capture   bool
	audioOnly bool
	recordDir string
}

func newChatCommand() *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat [contact]",
		Short: "Open the interactive chat, optionally with a contact",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			me, err := loadIdentity(e.cfg.IdentityFile)
			if err != nil {
				return err
			}
			if f.recordDir != "" {
				e.cfg.RecordDir = f.recordDir
			}
			initial := ""
			if len(args) == 1 {
				initial = args[0]
			}
			return runChat(cmd.Context(), e, me, f, initial)
		},
	}
	cmd.Flags().StringVar(&f.videoFile, "video-file", "", "IVF file to stream as the camera")
	cmd.Flags().StringVar(&f.audioFile, "audio-file", "", "Ogg/Opus file to stream as the microphone")
	cmd.Flags().BoolVar(&f.capture, "capture", false, "use real capture devices (capture builds only)")
	cmd.Flags().BoolVar(&f.audioOnly, "audio-only", false, "place and answer audio-only calls")
	cmd.Flags().StringVar(&f.recordDir, "record-dir", "", "write the remote media of calls here")
	return cmd
}

func mediaSource(f chatFlags) (core.MediaSource, error) {
	if f.capture {
		return rtc.CaptureSource()
	}
	return &rtc.TrackSource{VideoFile: f.videoFile, AudioFile: f.audioFile}, nil
}

func channelOptions(cfg *config.Config) channel.Options {
	return channel.Options{
		WriteWait:  cfg.WriteWait,
		PongWait:   cfg.PongWait,
		PingPeriod: cfg.PingPeriod,
		ReadLimit:  cfg.ReadLimit,
		SendBuffer: cfg.SendBuffer,
	}
}

// keepConnected redials the relay with backoff every time the channel
// drops, until ctx is done.
func keepConnected(ctx context.Context, ch *channel.Client, endpoint string) {
	drops := make(chan struct{}, 1)
	sub := ch.Subscribe(core.EventDisconnect, func(json.RawMessage) {
		select {
		case drops <- struct{}{}:
		default:
		}
	})
	go func() {
		defer ch.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case <-drops:
			}
			backoff := 500 * time.Millisecond
			for ch.State() != channel.StateConnected {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if err := ch.Connect(ctx, endpoint); err != nil {
					log.Warn().Err(err).Str("module", "cli").Dur("backoff", backoff).Msg("reconnect failed")
					backoff = min(backoff*2, 30*time.Second)
				}
			}
		}
	}()
}

func runChat(ctx context.Context, e *env, me *domain.User, f chatFlags, initial string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	media, err := mediaSource(f)
	if err != nil {
		return err
	}
	factory, err := rtc.NewFactory(rtc.WebRTCConfig(e.cfg.ICEServers))
	if err != nil {
		return err
	}

	ch := channel.NewClient(channelOptions(e.cfg))
	if err := ch.Connect(ctx, e.cfg.SignalURL); err != nil {
		return err
	}
	defer ch.Disconnect()
	keepConnected(ctx, ch, e.cfg.SignalURL)

	constraints := core.MediaConstraints{Audio: true, Video: !f.audioOnly}
	mgr, err := session.NewManager(me.ID, session.Deps{
		Channel:     ch,
		Chat:        e.api,
		Contacts:    e.api,
		Media:       media,
		Negotiators: factory,
		Sink:        &rtc.RecorderSink{Dir: e.cfg.RecordDir},
	}, session.CallOptions{RingTimeout: e.cfg.RingTimeout, Constraints: constraints})
	if err != nil {
		return err
	}
	defer mgr.Close()

	in, out := newLineReader()
	defer in.Close()

	r := &repl{mgr: mgr, me: me, out: out, names: map[domain.UserID]string{me.ID: me.Name}}
	if err := r.refreshContacts(ctx); err != nil {
		r.printf("contacts unavailable: %v\n", err)
	}
	go r.watch(ctx)

	if initial != "" {
		r.open(ctx, initial)
	}
	r.printf("Type /help for commands.\n")

	for {
		line, err := in.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if quit := r.handle(ctx, line); quit {
			return nil
		}
	}
}

type lineReader interface {
	Readline() (string, error)
	Close() error
}

type bufioReader struct {
	r *bufio.Reader
}

func (b bufioReader) Readline() (string, error) {
	fmt.Print("> ")
	return b.r.ReadString('\n')
}

func (bufioReader) Close() error { return nil }

// newLineReader prefers readline and falls back to plain stdin when the
// terminal cannot be put in raw mode.
func newLineReader() (lineReader, io.Writer) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "cli").Msg("readline unavailable, using plain input")
		return bufioReader{r: bufio.NewReader(os.Stdin)}, os.Stdout
	}
	return rl, rl.Stdout()
}

type repl struct {
	mgr      *session.Manager
	me       *domain.User
	out      io.Writer
	contacts []domain.User

	mu    sync.Mutex
	names map[domain.UserID]string
}

func (r *repl) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *repl) name(id domain.UserID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.names[id]; ok && n != "" {
		return n
	}
	return string(id)
}

func (r *repl) refreshContacts(ctx context.Context) error {
	users, err := r.mgr.Contacts(ctx)
	if err != nil {
		return err
	}
	r.contacts = users
	r.mu.Lock()
	for _, u := range users {
		r.names[u.ID] = u.Name
	}
	r.mu.Unlock()
	return nil
}

func (r *repl) watch(ctx context.Context) {
	msgs, stopMsgs := r.mgr.Messages(32)
	defer stopMsgs()
	calls, stopCalls := r.mgr.CallEvents(8)
	defer stopCalls()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			if m.SenderID != r.me.ID {
				r.printMessage(m)
			}
		case st, ok := <-calls:
			if !ok {
				return
			}
			r.printf("%s\n", describeCall(st, r.name))
		}
	}
}

func (r *repl) printMessage(m domain.Message) {
	r.printf("[%s] %s: %s\n", m.SentAt.Local().Format("15:04"), r.name(m.SenderID), m.Body)
}

func describeCall(st session.CallStatus, name func(domain.UserID) string) string {
	peer := name(st.Peer)
	switch st.State {
	case session.StateOutgoingPending:
		return "* preparing call to " + peer
	case session.StateOutgoingRinging:
		return "* ringing " + peer
	case session.StateIncomingRinging:
		return "* " + peer + " is calling, /accept or /decline"
	case session.StateConnected:
		return "* in call with " + peer
	case session.StateEnded, session.StateIdle:
		if st.Reason != nil {
			return "* call ended: " + st.Reason.Error()
		}
		return "* call ended"
	}
	return "* " + st.State.String()
}

type command struct {
	name string
	arg  string
}

// parseLine splits "/cmd arg" input; plain text is a message.
func parseLine(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{arg: line}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

func resolveContact(contacts []domain.User, query string) (domain.User, bool) {
	for _, u := range contacts {
		if string(u.ID) == query {
			return u, true
		}
	}
	for _, u := range contacts {
		if strings.EqualFold(u.Name, query) {
			return u, true
		}
	}
	return domain.User{}, false
}

func (r *repl) open(ctx context.Context, query string) {
	u, ok := resolveContact(r.contacts, query)
	if !ok {
		r.printf("unknown contact %q\n", query)
		return
	}
	if err := r.mgr.Select(ctx, u.ID); err != nil {
		r.printf("%v\n", err)
	}
	r.printf("-- %s --\n", u.Name)
	for _, m := range r.mgr.Transcript() {
		r.printMessage(m)
	}
}

func (r *repl) handle(ctx context.Context, line string) bool {
	cmd, isCmd := parseLine(line)
	if !isCmd {
		if cmd.arg == "" {
			return false
		}
		if _, err := r.mgr.Send(ctx, cmd.arg); err != nil {
			r.printf("not sent: %v\n", err)
		}
		return false
	}

	var err error
	switch cmd.name {
	case "quit", "exit":
		return true
	case "help":
		r.printf("/contacts /open <name> /history /call /accept /decline /hangup /quit\n")
	case "contacts":
		if err = r.refreshContacts(ctx); err == nil {
			for _, u := range r.contacts {
				r.printf("  %s\n", u.Name)
			}
		}
	case "open":
		r.open(ctx, cmd.arg)
	case "history":
		for _, m := range r.mgr.Transcript() {
			r.printMessage(m)
		}
	case "call":
		err = r.mgr.PlaceCall(ctx)
	case "accept":
		err = r.mgr.Accept(ctx)
	case "decline":
		err = r.mgr.Decline()
	case "hangup":
		err = r.mgr.Hangup()
	default:
		r.printf("unknown command /%s\n", cmd.name)
	}
	if err != nil {
		r.printf("%v\n", err)
	}
	return false
}
