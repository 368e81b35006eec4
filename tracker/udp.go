package tracker

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"seedbridge/peer"
)

const udpTimeout = 15 * time.Second

func udpAnnounce(ctx context.Context, host string, req Request) (*Response, error) {
	raddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(udpTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	// unblock reads when the caller gives up
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	connectReq := newConnect()
	_, err = conn.Write(connectReq.serialize())
	if err != nil {
		return nil, err
	}

	connectBuf := make([]byte, 2048)
	size, err := conn.Read(connectBuf)
	if err != nil {
		return nil, ctxErr(ctx, err)
	}

	connectRes, err := readConnect(connectBuf[:size])
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(connectReq.TransactionID, connectRes.TransactionID) {
		err := fmt.Errorf("expected TID %s received %s", connectReq.TransactionID, connectRes.TransactionID)
		return nil, err
	}

	if connectRes.Action != actionConnect {
		err := fmt.Errorf("expected action %d (connect) received %d", actionConnect, connectRes.Action)
		return nil, err
	}

	announceReq := newAnnounce(req, connectRes.ConnectionID)
	_, err = conn.Write(announceReq.serialize())
	if err != nil {
		return nil, err
	}

	announceBuf := make([]byte, 2048)
	size, err = conn.Read(announceBuf)
	if err != nil {
		return nil, ctxErr(ctx, err)
	}

	announceRes, err := readAnnounce(announceBuf[:size])
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(announceReq.TransactionID, announceRes.TransactionID) {
		err := fmt.Errorf("expected TID %s received %s", announceReq.TransactionID, announceRes.TransactionID)
		return nil, err
	}

	if announceRes.Action != actionAnnounce {
		err := fmt.Errorf("expected action %d (announce) received %d", actionAnnounce, announceRes.Action)
		return nil, err
	}

	peers, err := peer.Unmarshal(announceRes.Peers)
	if err != nil {
		return nil, err
	}

	return &Response{
		Interval: time.Duration(announceRes.Interval) * time.Second,
		Peers:    peers,
		Seeders:  int(announceRes.Seeders),
		Leechers: int(announceRes.Leechers),
	}, nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
