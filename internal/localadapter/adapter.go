// Package localadapter implements C2: single-process message fan-out.
//
// Ported in spirit from an internal/shared/broadcast.go reference
// implementation (serialize once, classify per-send errors, never let one
// broken socket abort the fan-out) but rebuilt around a global semaphore with
// chunked, unordered streaming delivery, rather than a flat non-blocking-select
// loop. The chunking formula itself is grounded in
// original_source/src/adapter/local_adapter.rs's adaptive batch sizing,
// generalized to a clamp-to-[1,8] formula.
package localadapter

import (
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/adred-codev/realtime-ws/internal/metrics"
	"github.com/adred-codev/realtime-ws/internal/namespace"
	"github.com/rs/zerolog"
)

// Adapter fans a single serialized message out to a target socket set with
// a hard global concurrency ceiling.
type Adapter struct {
	logger        zerolog.Logger
	sem           chan struct{}
	maxConcurrent int
}

// New builds an Adapter whose global concurrency cap is maxConcurrent,
// computed by the caller as GOMAXPROCS × a configured multiplier.
func New(logger zerolog.Logger, maxConcurrent int) *Adapter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Adapter{
		logger:        logger,
		sem:           make(chan struct{}, maxConcurrent),
		maxConcurrent: maxConcurrent,
	}
}

// InFlight returns the number of currently in-flight local sends, so callers
// can assert the invariant that at any instant the number of in-flight local
// sends does not exceed cpus × multiplier.
func (a *Adapter) InFlight() int { return len(a.sem) }

// planChunks computes the chunk layout for the delivery algorithm:
// chunks = ceil(n/max_concurrent) clamped [1,8]; chunk_size = clamp(n/chunks, 1, max_concurrent).
func planChunks(n, maxConcurrent int) (chunks, chunkSize int) {
	if n <= 0 {
		return 0, 0
	}
	chunks = (n + maxConcurrent - 1) / maxConcurrent
	if chunks < 1 {
		chunks = 1
	}
	if chunks > 8 {
		chunks = 8
	}
	chunkSize = n / chunks
	if chunkSize < 1 {
		chunkSize = 1
	}
	if chunkSize > maxConcurrent {
		chunkSize = maxConcurrent
	}
	return chunks, chunkSize
}

// Send delivers payload to every socket in targets. payload must already be
// the fully serialized message, serialized exactly once by the caller.
// Exclusion must already be applied by the caller during target collection.
func (a *Adapter) Send(targets []namespace.Socket, payload []byte) {
	n := len(targets)
	if n == 0 {
		return
	}

	_, chunkSize := planChunks(n, a.maxConcurrent)

	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		a.sendChunk(targets[start:end], payload)
	}
}

// sendChunk acquires len(chunk) permits from the global semaphore, streams
// unordered concurrent sends across the chunk, then releases the permits.
func (a *Adapter) sendChunk(chunk []namespace.Socket, payload []byte) {
	for range chunk {
		a.sem <- struct{}{}
	}
	defer func() {
		for range chunk {
			<-a.sem
		}
	}()

	var wg sync.WaitGroup
	wg.Add(len(chunk))
	for _, sock := range chunk {
		sock := sock
		go func() {
			defer wg.Done()
			a.sendOne(sock, payload)
		}()
	}
	wg.Wait()
}

func (a *Adapter) sendOne(sock namespace.Socket, payload []byte) {
	err := sock.Send(payload)
	if err == nil {
		metrics.FanoutSendsTotal.WithLabelValues("ok").Inc()
		return
	}

	if isClosedConnErr(err) {
		metrics.FanoutSendsTotal.WithLabelValues("closed").Inc()
		a.logger.Debug().Str("socket_id", string(sock.ID())).Err(err).Msg("fan-out send to closed socket")
		return
	}

	metrics.FanoutSendsTotal.WithLabelValues("error").Inc()
	a.logger.Warn().Str("socket_id", string(sock.ID())).Err(err).Msg("fan-out send failed")
}

func isClosedConnErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "closed")
}
