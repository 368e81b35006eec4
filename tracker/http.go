package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"seedbridge/peer"

	"github.com/jackpal/bencode-go"
)

// GET request to tracker URL returns:
//   - interval (time to send GET request for list of peers again)
//   - peers (compact list of peers)
//   - failure reason instead of the above when the announce is rejected
type httpTrackerResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Complete      int    `bencode:"complete"`
	Incomplete    int    `bencode:"incomplete"`
	Peers         string `bencode:"peers"`
}

var client = &http.Client{Timeout: 15 * time.Second}

func httpAnnounce(ctx context.Context, base *url.URL, req Request) (*Response, error) {
	params := base.Query()
	params.Set("info_hash", string(req.InfoHash[:]))
	params.Set("peer_id", string(req.PeerID[:]))
	params.Set("port", strconv.Itoa(int(req.Port)))
	params.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	params.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	params.Set("left", strconv.FormatInt(req.Left, 10))
	params.Set("compact", "1")
	if req.NumWant > 0 {
		params.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Event != EventNone {
		params.Set("event", req.Event)
	}

	u := *base
	u.RawQuery = params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	response, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("tracker responded with status %d", response.StatusCode)
	}

	trackerResponse := httpTrackerResponse{}
	err = bencode.Unmarshal(response.Body, &trackerResponse)
	if err != nil {
		return nil, err
	}

	if trackerResponse.FailureReason != "" {
		return nil, errors.New(trackerResponse.FailureReason)
	}

	peers, err := peer.Unmarshal([]byte(trackerResponse.Peers))
	if err != nil {
		return nil, err
	}

	return &Response{
		Interval: time.Duration(trackerResponse.Interval) * time.Second,
		Peers:    peers,
		Seeders:  trackerResponse.Complete,
		Leechers: trackerResponse.Incomplete,
	}, nil
}
