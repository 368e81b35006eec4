// Package server exposes the bridge's stats over HTTP.
package server

import (
	"bytes"
	"encoding/json"
	"net"
	"time"

	"seedbridge/collectors"
	"seedbridge/config"
	"seedbridge/log"
	"seedbridge/torrent"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"
)

// Source lists the torrents being seeded.
type Source interface {
	Torrents() []*torrent.Torrent
}

type Server struct {
	source    Source
	registry  *prometheus.Registry
	server    *fasthttp.Server
	listener  net.Listener
	startTime time.Time
}

// Start serves /alive, /metrics and /torrents on addr until Stop.
func Start(addr string, source Source) (*Server, error) {
	readTimeout, _ := config.Section("http").GetInt("read_timeout", 2)
	writeTimeout, _ := config.Section("http").GetInt("write_timeout", 2)

	s := &Server{
		source:    source,
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}
	s.registry.MustRegister(collectors.NewNormalCollector(), collectors.NewSeedCollector())

	s.server = &fasthttp.Server{
		Handler:      s.handle,
		Name:         "seedbridge",
		ReadTimeout:  time.Duration(readTimeout) * time.Second,
		WriteTimeout: time.Duration(writeTimeout) * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.listener = ln

	log.Info.Printf("Stats server accepting connections on %s", ln.Addr())
	go func() {
		if err := s.server.Serve(ln); err != nil {
			log.Error.Printf("Stats server stopped: %v", err)
		}
	}()

	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and waits for open requests.
func (s *Server) Stop() error {
	err := s.server.Shutdown()
	// Serve may not have picked up the listener yet
	s.listener.Close()
	return err
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	buf := new(bytes.Buffer)

	defer func() {
		if err := recover(); err != nil {
			log.Error.Printf("Handler panic - %v\nURL was: %s", err, ctx.RequestURI())
			ctx.ResetBody()
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		}
	}()

	var status int
	switch string(ctx.Path()) {
	case "/alive":
		status = s.alive(buf)
		ctx.SetContentType("application/json")
	case "/torrents":
		status = s.torrents(buf)
		ctx.SetContentType("application/json")
	case "/metrics":
		status = s.metrics(buf)
		ctx.SetContentType(string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	default:
		status = fasthttp.StatusNotFound
	}

	ctx.SetStatusCode(status)
	ctx.SetBody(buf.Bytes())
}

func (s *Server) alive(buf *bytes.Buffer) int {
	type response struct {
		Now    int64 `json:"now"`
		Uptime int64 `json:"uptime"`
	}

	res, err := json.Marshal(response{time.Now().UnixMilli(), time.Since(s.startTime).Milliseconds()})
	if err != nil {
		panic(err)
	}

	buf.Write(res)

	return fasthttp.StatusOK
}

type torrentInfo struct {
	InfoHash string `json:"info_hash"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Peers    int    `json:"peers"`
	Ready    bool   `json:"ready"`
	Uploaded int64  `json:"uploaded"`
}

func (s *Server) torrents(buf *bytes.Buffer) int {
	infos := make([]torrentInfo, 0)
	for _, t := range s.source.Torrents() {
		desc := t.Descriptor()

		ready := false
		select {
		case <-t.Ready():
			ready = true
		default:
		}

		infos = append(infos, torrentInfo{
			InfoHash: desc.HexHash(),
			Name:     desc.Name,
			URL:      t.URL(),
			Peers:    t.NumPeers(),
			Ready:    ready,
			Uploaded: t.Uploaded(),
		})
	}

	if err := json.NewEncoder(buf).Encode(infos); err != nil {
		panic(err)
	}

	return fasthttp.StatusOK
}

func (s *Server) metrics(buf *bytes.Buffer) int {
	collectors.UpdateUptime(time.Since(s.startTime).Seconds())
	collectors.UpdateTorrents(len(s.source.Torrents()))

	mfs, err := s.registry.Gather()
	if err != nil {
		log.Error.Printf("Gathering metrics failed: %v", err)
		return fasthttp.StatusInternalServerError
	}

	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(buf, mf); err != nil {
			log.Error.Printf("Error in converting metrics to text: %v", err)
			panic(err)
		}
	}

	return fasthttp.StatusOK
}
