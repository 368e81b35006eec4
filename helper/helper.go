package helper

import (
	"math/rand"
	"sync"
	"time"
)

// Azureus style client prefix: -SB<version>-
const PeerIDPrefix = "-SB0100-"

const symbols = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"

var (
	mu  sync.Mutex
	rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func GeneratePeerID() [20]byte {
	peerID := [20]byte{}
	n := copy(peerID[:], PeerIDPrefix)
	copy(peerID[n:], GenerateRandomID(len(peerID)-n))
	return peerID
}

func GenerateRandomID(size int) []byte {
	mu.Lock()
	defer mu.Unlock()

	id := make([]byte, size)
	for i := 0; i < size; i++ {
		id[i] = symbols[rnd.Intn(len(symbols))]
	}
	return id
}
