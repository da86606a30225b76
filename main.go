// main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/petervdpas/huddle/internal/config"
	"github.com/petervdpas/huddle/internal/media"
	"github.com/petervdpas/huddle/internal/room"
	"github.com/petervdpas/huddle/internal/rtc"
	"github.com/petervdpas/huddle/internal/signal"
	"github.com/petervdpas/huddle/internal/transport"
	"github.com/petervdpas/huddle/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Huddle v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		return
	}

	switch args[0] {
	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: huddle init <directory>")
			os.Exit(1)
		}
		runInit(args[1])

	case "join":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: join command requires directory and room id")
			fmt.Fprintln(os.Stderr, "Usage: huddle join <directory> <room-id>")
			os.Exit(1)
		}
		runJoin(args[1], args[2])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func runInit(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	cfgPath := filepath.Join(absDir, "huddle.json")
	if _, err := os.Stat(cfgPath); err == nil {
		log.Fatalf("Config already exists: %s", cfgPath)
	}
	if err := config.Save(cfgPath, config.Default()); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	fmt.Printf("Wrote %s\n", cfgPath)
}

func runJoin(dirArg, roomID string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "huddle.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printBanner(absDir, cfgPath, roomID, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, absDir, cfgPath, roomID, cfg); err != nil {
		log.Fatalf("Call failed: %v", err)
	}
}

func run(ctx context.Context, dir, cfgPath, roomID string, cfg *config.Config) error {
	bus := transport.NewP2PBus(transport.P2POptions{
		ListenPort:        cfg.P2P.ListenPort,
		KeyFile:           filepath.Join(dir, cfg.Identity.KeyFile),
		MdnsTag:           cfg.P2P.MdnsTag,
		HeartbeatInterval: time.Duration(cfg.Signal.HeartbeatSec) * time.Second,
		PresenceTTL:       time.Duration(cfg.Signal.PresenceTTLSec) * time.Second,
		PresenceGrace:     time.Duration(cfg.Signal.PresenceGraceSec) * time.Second,
	})

	ch := signal.New(bus, signal.ReconnectPolicy{
		Base:        time.Duration(cfg.Signal.ReconnectBaseMS) * time.Millisecond,
		Max:         time.Duration(cfg.Signal.ReconnectMaxMS) * time.Millisecond,
		MaxAttempts: cfg.Signal.ReconnectMaxAttempts,
	})

	connectCtx, connectCancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	err := ch.Connect(connectCtx)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer ch.Disconnect(context.Background())

	src, err := media.CaptureUserMedia(media.Constraints{
		Video:     cfg.Media.Video,
		Audio:     cfg.Media.Audio,
		MaxWidth:  cfg.Media.MaxWidth,
		MaxHeight: cfg.Media.MaxHeight,
	})
	if err != nil {
		log.Printf("MAIN: media capture failed (%v), joining without local media", err)
		src, err = media.NewStaticSource(media.Constraints{Video: true, Audio: true})
		if err != nil {
			return fmt.Errorf("static media source: %w", err)
		}
	}

	mgr, err := rtc.NewManager(rtc.Config{
		LocalID:       ch.LocalID(),
		ICEServers:    cfg.RTC.ICEServers,
		StatsInterval: time.Duration(cfg.RTC.StatsIntervalMS) * time.Millisecond,
		Thresholds: rtc.Thresholds{
			MaxPacketLossPct: cfg.RTC.MaxPacketLossPct,
			MaxRTT:           time.Duration(cfg.RTC.MaxRTTMS) * time.Millisecond,
		},
		Screen: media.ScreenProviderFunc(media.CaptureScreen),
	}, src)
	if err != nil {
		return fmt.Errorf("rtc manager: %w", err)
	}

	coord, err := room.NewCoordinator(ch, mgr, src, room.Options{
		RoomID:          roomID,
		DisplayName:     cfg.Room.DisplayName,
		Topology:        cfg.Room.Topology,
		Role:            cfg.Room.Role,
		MaxParticipants: cfg.Room.MaxParticipants,
	})
	if err != nil {
		return err
	}
	defer coord.Destroy(context.Background())

	notes, stopNotes := coord.Subscribe()
	defer stopNotes()
	go printNotifications(notes)

	chNotes, stopChNotes := ch.Notifications()
	defer stopChNotes()
	go printChannelNotifications(chNotes)

	if err := coord.Join(ctx); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	// Live config: a screen profile edit takes effect on the next share.
	profile := cfg.Media.ScreenProfile
	stopWatch, err := config.Watch(cfgPath, func(next *config.Config) {
		if next.Media.ScreenProfile != profile {
			log.Printf("MAIN: screen profile now %s", next.Media.ScreenProfile)
			profile = next.Media.ScreenProfile
		}
	})
	if err != nil {
		log.Printf("MAIN: config watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	go commandLoop(ctx, coord, &profile)

	<-ctx.Done()
	return nil
}

// commandLoop reads call controls from stdin until the context ends.
func commandLoop(ctx context.Context, coord *room.Coordinator, profile *string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, util.DefaultPublishTimeout)
		runCommand(opCtx, coord, fields, profile)
		cancel()
	}
}

func runCommand(ctx context.Context, coord *room.Coordinator, fields []string, profile *string) {
	boolArg := func() *bool {
		if len(fields) < 2 {
			return nil
		}
		v := fields[1] == "on"
		return &v
	}

	switch fields[0] {
	case "who":
		local := coord.Local()
		fmt.Printf("  you: %s (%s)%s\n", local.Username, local.Role, muteSuffix(local))
		for _, p := range coord.Participants() {
			fmt.Printf("  %s: %s (%s)%s\n", p.ID, p.Username, p.Role, muteSuffix(p))
		}
	case "mute-audio":
		if v := boolArg(); v != nil {
			if err := coord.ToggleMute(ctx, v, nil); err != nil {
				log.Printf("MAIN: mute-audio: %v", err)
			}
		}
	case "mute-video":
		if v := boolArg(); v != nil {
			if err := coord.ToggleMute(ctx, nil, v); err != nil {
				log.Printf("MAIN: mute-video: %v", err)
			}
		}
	case "hand":
		if v := boolArg(); v != nil {
			if err := coord.RaiseHand(ctx, *v); err != nil {
				log.Printf("MAIN: hand: %v", err)
			}
		}
	case "promote":
		if len(fields) > 1 {
			if err := coord.PromoteToSpeaker(fields[1]); err != nil {
				log.Printf("MAIN: promote: %v", err)
			}
		}
	case "demote":
		if len(fields) > 1 {
			if err := coord.DemoteToViewer(fields[1]); err != nil {
				log.Printf("MAIN: demote: %v", err)
			}
		}
	case "share":
		p := *profile
		if len(fields) > 1 {
			p = fields[1]
		}
		if err := coord.StartScreenShare(p); err != nil {
			log.Printf("MAIN: share: %v", err)
		}
	case "unshare":
		coord.StopScreenShare()
	default:
		fmt.Println("  commands: who | mute-audio on/off | mute-video on/off | hand on/off | promote <id> | demote <id> | share [profile] | unshare")
	}
}

func muteSuffix(p room.Participant) string {
	var flags []string
	if p.AudioMuted {
		flags = append(flags, "audio muted")
	}
	if p.VideoMuted {
		flags = append(flags, "video muted")
	}
	if p.HandRaised {
		flags = append(flags, "hand raised")
	}
	if len(flags) == 0 {
		return ""
	}
	return " [" + strings.Join(flags, ", ") + "]"
}

func printNotifications(notes <-chan room.Notification) {
	for n := range notes {
		switch n.Kind {
		case room.NotifyQualityChanged:
			log.Printf("MAIN: %s quality %s", n.ParticipantID, n.Quality)
		case room.NotifyConnectionFailed:
			log.Printf("MAIN: connection to %s failed: %v", n.ParticipantID, n.Err)
		case room.NotifyScreenShareEnded:
			log.Printf("MAIN: screen share ended")
		default:
			log.Printf("MAIN: %s %s", n.Kind, n.ParticipantID)
		}
	}
}

func printChannelNotifications(notes <-chan signal.Notification) {
	for n := range notes {
		if n.Err != nil {
			log.Printf("MAIN: signaling %s: %v", n.Kind, n.Err)
			continue
		}
		log.Printf("MAIN: signaling %s", n.Kind)
	}
}

func printBanner(dir, cfgPath, roomID string, cfg *config.Config) {
	fmt.Println("Huddle - peer-to-peer calls")
	fmt.Println()
	fmt.Printf("  Directory: %s\n", dir)
	fmt.Printf("  Config:    %s\n", cfgPath)
	fmt.Printf("  Room:      %s\n", roomID)
	fmt.Printf("  Topology:  %s\n", cfg.Room.Topology)
	fmt.Printf("  Role:      %s\n", cfg.Room.Role)
	fmt.Printf("  Name:      %s\n", cfg.Room.DisplayName)
	fmt.Println()
}

func showUsage() {
	fmt.Println("Huddle - peer-to-peer calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  huddle init <directory>            Write a default huddle.json")
	fmt.Println("  huddle join <directory> <room-id>  Join a room")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init <directory>")
	fmt.Println("        Create a default configuration in the directory")
	fmt.Println()
	fmt.Println("  join <directory> <room-id>")
	fmt.Println("        Join the room using the directory's huddle.json and identity key")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version")
}
