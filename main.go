package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"seedbridge/bridge"
	"seedbridge/config"
	"seedbridge/log"
	"seedbridge/metainfo"
	"seedbridge/server"
	"seedbridge/torrent"

	"github.com/gosuri/uiprogress"
)

var (
	configPath string
	logPath    string
	progress   bool
)

func init() {
	flag.StringVar(&configPath, "config", "config.json", "Path of the JSON config file")
	flag.StringVar(&logPath, "log", "", "Append logs to this file instead of stderr")
	flag.BoolVar(&progress, "progress", false, "Show peers and uploaded bytes")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <url> <torrent file | magnet uri>\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func openDescriptor(arg string) (*metainfo.Descriptor, error) {
	if strings.HasPrefix(arg, "magnet:") {
		return metainfo.ParseMagnet(arg)
	}
	return metainfo.Open(arg)
}

func showProgress(t *torrent.Torrent) {
	<-t.Ready()

	length := int(t.Descriptor().Length)
	uiprogress.Start()
	bar := uiprogress.AddBar(max(length, 1))
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "uploaded: " + strconv.FormatInt(t.Uploaded(), 10) + " bytes"
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(t.NumPeers())
	})
	bar.AppendElapsed()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// one full bar per copy of the content sent
			if length > 0 {
				bar.Set(int(t.Uploaded() % int64(length)))
			}
		case <-t.Done():
			uiprogress.Stop()
			return
		}
	}
}

func main() {
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	url := flag.Arg(0)

	config.SetFile(configPath)
	if debug, _ := config.GetBool("debug", false); debug {
		log.SetDebug(true)
	}

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatal.Fatalf("Opening log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	desc, err := openDescriptor(flag.Arg(1))
	if err != nil {
		log.Fatal.Fatalf("Reading %s: %v", flag.Arg(1), err)
	}

	b, err := bridge.New(bridge.DefaultConfig())
	if err != nil {
		log.Fatal.Fatalf("Starting bridge: %v", err)
	}
	<-b.Ready()

	peerID := b.PeerID()
	fmt.Println("dht port", b.DHTPort())
	fmt.Printf("peer id %x\n", peerID[:])

	t, err := b.SeedWithHooks(url, desc, torrent.Hooks{
		OnReady: func() {
			log.Info.Printf("Serving every piece of %s", desc.HexHash())
		},
		OnDHTAnnounce: func() {
			log.Info.Printf("Announced to the DHT")
		},
		OnTrackerAnnounce: func() {
			log.Info.Printf("Announced to the trackers")
		},
	})
	if err != nil {
		b.Destroy()
		log.Fatal.Fatalf("Seeding %s: %v", url, err)
	}

	fmt.Println("torrent port", t.Port())
	fmt.Println("seeding", desc.HexHash())
	fmt.Println(t.Descriptor().MagnetURI())

	if addr, _ := config.Section("http").Get("addr", ""); addr != "" {
		srv, err := server.Start(addr, b)
		if err != nil {
			log.Error.Printf("Stats server disabled: %v", err)
		} else {
			defer srv.Stop()
		}
	}

	if progress {
		go showProgress(t)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-c:
		log.Info.Println("Caught interrupt, shutting down...")
	case <-t.Done():
		log.Info.Println("Torrent stopped, shutting down...")
	}

	if err = b.Destroy(); err != nil {
		log.Error.Printf("Shutdown: %v", err)
	}
}
