package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/mossy-p/support-signaling/config"
	"github.com/mossy-p/support-signaling/internal/client"
	"github.com/mossy-p/support-signaling/internal/feedback"
	"github.com/mossy-p/support-signaling/internal/media"
	"github.com/mossy-p/support-signaling/internal/models"
	"github.com/mossy-p/support-signaling/internal/netwatch"
	"github.com/mossy-p/support-signaling/internal/rtc"
	"github.com/mossy-p/support-signaling/internal/session"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	role := flag.String("role", cfg.Role, "user or technician")
	flag.StringVar(&cfg.ID, "id", cfg.ID, "participant id (random when empty)")
	flag.StringVar(&cfg.Name, "name", cfg.Name, "display name")
	auto := flag.Bool("auto", false, "technician: accept the first request without asking")
	rating := flag.Int("rate", 0, "user: rate the call with this value instead of asking")
	synthetic := flag.Bool("synthetic", false, "send generated media instead of capturing devices")
	flag.Parse()

	if *role != config.RoleUser && *role != config.RoleTechnician {
		log.Fatalf("-role must be %s or %s", config.RoleUser, config.RoleTechnician)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	loggerFactory := config.LoggerFactory(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	con := newConsole()
	ccfg := client.Config{
		RelayURL:          cfg.RelayURL,
		ID:                cfg.ID,
		Name:              cfg.Name,
		Device:            openDevice(*synthetic),
		NewPeer:           peerFactory(loggerFactory),
		ConnectTimeout:    cfg.ConnectTimeout,
		ICEGrace:          cfg.ICEGrace,
		ReconnectTimeout:  cfg.ReconnectTimeout,
		ReconnectAttempts: cfg.ReconnectAttempts,
		MediaTimeout:      cfg.MediaTimeout,
		RingInterval:      cfg.RingInterval,
		OnStateChange: func(tr session.Transition) {
			fmt.Printf("call: %s\n", tr.To)
		},
		LoggerFactory: loggerFactory,
	}
	if addr, err := probeAddr(cfg.RelayURL); err == nil {
		ccfg.Network = netwatch.New(netwatch.Config{Addr: addr, LoggerFactory: loggerFactory})
	} else {
		log.Printf("Network monitoring disabled: %v", err)
	}

	if *role == config.RoleTechnician {
		runTechnician(ctx, ccfg, con, *auto)
		return
	}

	if *rating != 0 {
		if err := feedback.Validate(*rating); err != nil {
			log.Fatal(err)
		}
		ccfg.Prompter = fixedRating(*rating)
	} else {
		ccfg.Prompter = &feedback.TerminalPrompter{In: con.Reader(), Out: os.Stdout}
	}
	runUser(ctx, ccfg, con)
}

func runUser(ctx context.Context, cfg client.Config, con *console) {
	cfg.Ring = func() { fmt.Print("\a") }
	user, err := client.NewUser(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer user.Close()

	sess, err := user.Start(ctx)
	if err != nil {
		log.Fatalf("Failed to request support: %v", err)
	}
	fmt.Println("Waiting for a technician... (commands: mute, camera, screen, retry, end)")

	callCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-sess.Done()
		cancel()
	}()
	commands(callCtx, sess, con)

	res, err := user.Wait(ctx)
	if err != nil {
		log.Printf("Feedback not sent: %v", err)
		return
	}
	switch {
	case res.Deferred:
		fmt.Println("We will ask you later.")
	case res.Rating > 0:
		fmt.Println("Thanks for your feedback!")
	}
}

func runTechnician(ctx context.Context, cfg client.Config, con *console, auto bool) {
	requests := make(chan models.NewSupportRequestPayload, 16)
	cfg.OnRequest = func(p models.NewSupportRequestPayload) {
		fmt.Printf("\a%s (%s) needs help\n", p.Username, p.UserID)
		select {
		case requests <- p:
		default:
		}
	}
	tech, err := client.NewTechnician(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer tech.Close()

	api := client.NewAPI(cfg.RelayURL)
	if login, err := api.Login(ctx, cfg.ID, cfg.Name, config.RoleTechnician); err != nil {
		log.Printf("Login failed: %v", err)
	} else if snap, err := api.Queue(ctx, login.Token); err != nil {
		log.Printf("Queue unavailable: %v", err)
	} else {
		fmt.Printf("%d pending, %d technicians online\n", len(snap.Pending), len(snap.Technicians))
	}

	if err := tech.Start(ctx); err != nil {
		log.Fatalf("Failed to go online: %v", err)
	}
	fmt.Println("Online. Commands: list, refresh, accept <userId>, quit")

	for {
		var userID string
		if auto {
			select {
			case <-ctx.Done():
				return
			case p := <-requests:
				userID = p.UserID
			}
		} else {
			line, ok := con.next(ctx)
			if !ok {
				return
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "list":
				for _, p := range tech.Pending() {
					fmt.Printf("  %s  %s\n", p.UserID, p.Username)
				}
				continue
			case "refresh":
				if err := tech.Refresh(); err != nil {
					log.Printf("Refresh failed: %v", err)
				}
				continue
			case "quit":
				return
			case "accept":
				if len(fields) != 2 {
					fmt.Println("usage: accept <userId>")
					continue
				}
				userID = fields[1]
			default:
				fmt.Println("unknown command")
				continue
			}
		}

		sess, err := tech.Accept(ctx, userID)
		if err != nil {
			log.Printf("Accept failed: %v", err)
			continue
		}
		fmt.Println("In call. Commands: mute, camera, screen, retry, end")
		callCtx, cancel := context.WithCancel(ctx)
		go func() {
			<-sess.Done()
			cancel()
		}()
		commands(callCtx, sess, con)
		cancel()
		fmt.Printf("Call over (%s)\n", sess.EndReason())
	}
}

// commands runs the in-call controls until ctx is done or stdin closes.
func commands(ctx context.Context, sess *session.Session, con *console) {
	for {
		line, ok := con.next(ctx)
		if !ok {
			return
		}
		var err error
		switch line {
		case "":
			continue
		case "mute":
			var muted bool
			if muted, err = sess.ToggleMute(); err == nil {
				fmt.Printf("microphone muted: %t\n", muted)
			}
		case "camera":
			var off bool
			if off, err = sess.ToggleCamera(); err == nil {
				fmt.Printf("camera off: %t\n", off)
			}
		case "screen":
			var sharing bool
			if sharing, err = sess.ToggleScreenShare(ctx); err == nil {
				fmt.Printf("sharing screen: %t\n", sharing)
			}
		case "retry":
			err = sess.Retry()
		case "end":
			err = sess.EndCall(func() bool { return con.confirm("End the call?") })
		default:
			fmt.Println("unknown command")
		}
		if err != nil {
			fmt.Printf("%s: %v\n", line, err)
		}
	}
}

func openDevice(synthetic bool) media.Device {
	if synthetic {
		return media.NewSyntheticDevice()
	}
	dev, err := media.NewCaptureDevice()
	if err != nil {
		log.Printf("Capture unavailable (%v), sending generated media", err)
		return media.NewSyntheticDevice()
	}
	return dev
}

func peerFactory(lf logging.LoggerFactory) session.PeerFactory {
	return func(servers []webrtc.ICEServer) (session.Peer, error) {
		return rtc.NewPeer(rtc.Config{ICEServers: servers, LoggerFactory: lf})
	}
}

// probeAddr is the relay's host:port, watched to detect going offline.
func probeAddr(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("relay url %q has no host", relayURL)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" || u.Scheme == "wss" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

type fixedRating int

func (r fixedRating) Ask(context.Context) (feedback.Answer, error) {
	return feedback.Answer{Rating: int(r)}, nil
}
