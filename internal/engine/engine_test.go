package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"

	"github.com/loomcast/airloom/internal/appstate"
	"github.com/loomcast/airloom/internal/discovery"
	"github.com/loomcast/airloom/internal/hostage"
	"github.com/loomcast/airloom/internal/raop"
)

func newTestEngine(t *testing.T) (*Engine, *appstate.AppState) {
	t.Helper()
	as := appstate.New()
	as.With(func(as *appstate.AppState) {
		as.Groups["liv"] = &appstate.Group{Name: "liv", MemberIDs: []string{"A"}}
	})
	return New(nil, as, "liv", nil, nil), as
}

// streamerFakeClient is a raop.Client test double for the streamer-loop
// tests below, mirroring internal/hostage's fakeClient.
type streamerFakeClient struct {
	accept     bool
	connectErr error
	sendErr    error
	sent       [][]byte
}

func (f *streamerFakeClient) Connect(ctx context.Context, host string, port int, setVolume bool) error {
	return f.connectErr
}
func (f *streamerFakeClient) Disconnect()        {}
func (f *streamerFakeClient) Keepalive() error   { return nil }
func (f *streamerFakeClient) AcceptFrames() bool { return f.accept }
func (f *streamerFakeClient) SendChunk(data []byte, frames int) (int64, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent = append(f.sent, data)
	return int64(len(f.sent)), nil
}

func listenLocal(t *testing.T) (addr string, port int, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port, func() { ln.Close() }
}

// connectedHostage builds a real *hostage.Hostage, wired to factory, and
// connects it against a reachable local listener so iterate's type
// assertion to *hostage.Hostage and Connected()/AcceptFrames() checks
// behave as they would in production.
func connectedHostage(t *testing.T, factory raop.Factory) (h *hostage.Hostage, closeFn func()) {
	t.Helper()
	ip, port, close := listenLocal(t)
	h = hostage.New(nil, "A", ip, port, "0", false, factory)
	if !h.Connect(context.Background()) {
		close()
		t.Fatal("initial Connect should succeed against a reachable listener")
	}
	return h, close
}

// TestIngestProducesAlignedChunks covers P3: every produced chunk is
// exactly ChunkBytes, and pending_bytes stays below ChunkBytes afterward.
func TestIngestProducesAlignedChunks(t *testing.T) {
	t.Parallel()
	e, as := newTestEngine(t)

	e.Ingest(make([]byte, ChunkBytes*3+100))

	as.With(func(as *appstate.AppState) {
		g := as.Groups["liv"]
		if len(g.ChunkQueue) != 3 {
			t.Fatalf("expected 3 chunks, got %d", len(g.ChunkQueue))
		}
		for i, c := range g.ChunkQueue {
			if len(c) != ChunkBytes {
				t.Errorf("chunk %d has length %d, want %d", i, len(c), ChunkBytes)
			}
		}
		if len(g.PendingBytes) != 100 {
			t.Errorf("pending bytes = %d, want 100", len(g.PendingBytes))
		}
		if len(g.PendingBytes) >= ChunkBytes {
			t.Error("pending bytes must stay below ChunkBytes between ingest calls")
		}
	})
}

// TestIngestOverflowDropsOldest covers P2/S5: feeding more than
// MaxQueuedChunks chunks before any drain leaves the newest
// MaxQueuedChunks chunks in the queue, oldest dropped.
func TestIngestOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	e, as := newTestEngine(t)

	for i := 0; i < MaxQueuedChunks+1; i++ {
		chunk := make([]byte, ChunkBytes)
		chunk[0] = byte(i)
		e.Ingest(chunk)
	}

	as.With(func(as *appstate.AppState) {
		g := as.Groups["liv"]
		if len(g.ChunkQueue) != MaxQueuedChunks {
			t.Fatalf("queue length = %d, want %d", len(g.ChunkQueue), MaxQueuedChunks)
		}
		if g.ChunkQueue[0][0] != 1 {
			t.Errorf("oldest surviving chunk marker = %d, want 1 (chunk 0 should have been dropped)", g.ChunkQueue[0][0])
		}
		if g.ChunkQueue[MaxQueuedChunks-1][0] != byte(MaxQueuedChunks) {
			t.Errorf("newest chunk marker = %d, want %d", g.ChunkQueue[MaxQueuedChunks-1][0], MaxQueuedChunks)
		}
	})
}

// TestIngestResetsSilenceCounterOnResume covers part of S2: an ingest
// arrival that produces at least one chunk resets consecutive_silence_chunks.
func TestIngestResetsSilenceCounterOnResume(t *testing.T) {
	t.Parallel()
	e, as := newTestEngine(t)

	as.With(func(as *appstate.AppState) {
		as.Groups["liv"].ConsecutiveSilenceChunks = 42
	})

	e.Ingest(make([]byte, ChunkBytes))

	as.With(func(as *appstate.AppState) {
		if as.Groups["liv"].ConsecutiveSilenceChunks != 0 {
			t.Errorf("ConsecutiveSilenceChunks = %d, want 0", as.Groups["liv"].ConsecutiveSilenceChunks)
		}
	})
}

// TestIngestWithoutFullChunkLeavesCounterUntouched ensures a partial
// ingest that produces no chunk does not spuriously reset the silence
// counter.
func TestIngestWithoutFullChunkLeavesCounterUntouched(t *testing.T) {
	t.Parallel()
	e, as := newTestEngine(t)

	as.With(func(as *appstate.AppState) {
		as.Groups["liv"].ConsecutiveSilenceChunks = 7
	})

	e.Ingest(make([]byte, 10))

	as.With(func(as *appstate.AppState) {
		if as.Groups["liv"].ConsecutiveSilenceChunks != 7 {
			t.Errorf("ConsecutiveSilenceChunks = %d, want unchanged 7", as.Groups["liv"].ConsecutiveSilenceChunks)
		}
	})
}

// TestIterateDeliversChunksInOrder covers P4/S1: for a single producer and
// a single ready hostage, the sequence observed at send_audio_chunk is
// exactly the sequence produced by ingest, in order, and the silence
// counter is 0 after the last one.
func TestIterateDeliversChunksInOrder(t *testing.T) {
	t.Parallel()
	e, as := newTestEngine(t)

	var fc *streamerFakeClient
	factory := func(cfg raop.Config) raop.Client {
		fc = &streamerFakeClient{accept: true}
		return fc
	}
	h, closeFn := connectedHostage(t, factory)
	defer closeFn()

	as.With(func(as *appstate.AppState) {
		as.Speakers.Row("A").Hostage = h
	})

	want := [][]byte{
		bytes.Repeat([]byte{0x01}, ChunkBytes),
		bytes.Repeat([]byte{0x02}, ChunkBytes),
		bytes.Repeat([]byte{0x03}, ChunkBytes),
		bytes.Repeat([]byte{0x04}, ChunkBytes),
	}
	for _, c := range want {
		e.Ingest(c)
	}

	for i := 0; i < len(want); i++ {
		e.iterate(context.Background())
	}

	if len(fc.sent) != len(want) {
		t.Fatalf("sent %d chunks, want %d", len(fc.sent), len(want))
	}
	for i, c := range want {
		if !bytes.Equal(fc.sent[i], c) {
			t.Errorf("chunk %d mismatch", i)
		}
	}

	as.With(func(as *appstate.AppState) {
		if as.Groups["liv"].ConsecutiveSilenceChunks != 0 {
			t.Errorf("ConsecutiveSilenceChunks = %d, want 0", as.Groups["liv"].ConsecutiveSilenceChunks)
		}
	})
}

// TestIterateEmitsSilenceWhenQueueEmpty covers P5: with no ingest activity,
// each iterate call sends one all-zero chunk and increments
// consecutive_silence_chunks.
func TestIterateEmitsSilenceWhenQueueEmpty(t *testing.T) {
	t.Parallel()
	e, as := newTestEngine(t)

	var fc *streamerFakeClient
	factory := func(cfg raop.Config) raop.Client {
		fc = &streamerFakeClient{accept: true}
		return fc
	}
	h, closeFn := connectedHostage(t, factory)
	defer closeFn()

	as.With(func(as *appstate.AppState) {
		as.Speakers.Row("A").Hostage = h
	})

	e.iterate(context.Background())
	e.iterate(context.Background())

	if len(fc.sent) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(fc.sent))
	}
	for i, c := range fc.sent {
		if !bytes.Equal(c, make([]byte, ChunkBytes)) {
			t.Errorf("silence chunk %d not all-zero", i)
		}
	}

	as.With(func(as *appstate.AppState) {
		if as.Groups["liv"].ConsecutiveSilenceChunks != 2 {
			t.Errorf("ConsecutiveSilenceChunks = %d, want 2", as.Groups["liv"].ConsecutiveSilenceChunks)
		}
	})
}

// TestIterateResumesRealAudioAfterSilence covers the rest of P5: once a
// real chunk has been ingested, the very next iterate call delivers that
// chunk rather than another silence chunk, and resets the silence counter.
func TestIterateResumesRealAudioAfterSilence(t *testing.T) {
	t.Parallel()
	e, as := newTestEngine(t)

	var fc *streamerFakeClient
	factory := func(cfg raop.Config) raop.Client {
		fc = &streamerFakeClient{accept: true}
		return fc
	}
	h, closeFn := connectedHostage(t, factory)
	defer closeFn()

	as.With(func(as *appstate.AppState) {
		as.Speakers.Row("A").Hostage = h
	})

	e.iterate(context.Background()) // silence #1

	real := bytes.Repeat([]byte{0x7f}, ChunkBytes)
	e.Ingest(real)

	e.iterate(context.Background()) // should deliver the real chunk

	if len(fc.sent) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(fc.sent))
	}
	if !bytes.Equal(fc.sent[0], make([]byte, ChunkBytes)) {
		t.Error("first chunk should be silence")
	}
	if !bytes.Equal(fc.sent[1], real) {
		t.Error("second chunk should be the ingested real chunk, not another silence chunk")
	}

	as.With(func(as *appstate.AppState) {
		if as.Groups["liv"].ConsecutiveSilenceChunks != 0 {
			t.Errorf("ConsecutiveSilenceChunks = %d, want 0 after resume", as.Groups["liv"].ConsecutiveSilenceChunks)
		}
	})
}

// TestIngestLogsAudioResumedAfterSilence covers S2's log line: once the
// streamer has sent silence, the next ingest that produces a chunk emits
// "Audio resumed after N silence chunks".
func TestIngestLogsAudioResumedAfterSilence(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	as := appstate.New()
	as.With(func(as *appstate.AppState) {
		as.Groups["liv"] = &appstate.Group{Name: "liv", MemberIDs: []string{"A"}, ConsecutiveSilenceChunks: 3}
	})
	e := New(log, as, "liv", nil, nil)

	e.Ingest(make([]byte, ChunkBytes))

	if !bytes.Contains(buf.Bytes(), []byte("Audio resumed after 3 silence chunks")) {
		t.Errorf("log output missing resume line, got: %s", buf.String())
	}
}

// TestHandleNotReadyReconnectsOnceThenStopsOnFailure covers P7: the first
// stall forces exactly one reconnect attempt; if it fails, later stalls do
// not trigger another one (the fix for the reconnect-loop regression).
func TestHandleNotReadyReconnectsOnceThenStopsOnFailure(t *testing.T) {
	t.Parallel()
	e, as := newTestEngine(t)

	connectCalls := 0
	factory := func(cfg raop.Config) raop.Client {
		connectCalls++
		fc := &streamerFakeClient{accept: false}
		if connectCalls > 1 {
			fc.connectErr = errors.New("speaker unreachable")
		}
		return fc
	}
	h, closeFn := connectedHostage(t, factory)
	defer closeFn()
	if connectCalls != 1 {
		t.Fatalf("initial connect should need exactly 1 factory call, got %d", connectCalls)
	}

	as.With(func(as *appstate.AppState) {
		as.Speakers.Row("A").Hostage = h
	})

	// First stall: AcceptFrames never returns true, so WaitForFramesReady
	// times out and handleNotReady fires the single reconnect attempt,
	// which fails (both auth attempts use the connectErr-returning client).
	e.iterate(context.Background())

	callsAfterFirstStall := connectCalls
	if callsAfterFirstStall <= 1 {
		t.Fatalf("expected the first stall to attempt a reconnect, factory calls = %d", callsAfterFirstStall)
	}

	as.With(func(as *appstate.AppState) {
		if as.Speakers.Row("A").NotReadyStreak != notReadyThreshold {
			t.Errorf("NotReadyStreak = %d, want %d after a failed reconnect", as.Speakers.Row("A").NotReadyStreak, notReadyThreshold)
		}
	})

	// Further stalls push the streak past the threshold the failed attempt
	// above left it at, and must not trigger another reconnect attempt.
	for i := 0; i < 3; i++ {
		e.iterate(context.Background())
	}

	if connectCalls != callsAfterFirstStall {
		t.Errorf("factory called %d more times after the first failed reconnect, want 0 (no reconnect loop)", connectCalls-callsAfterFirstStall)
	}
}

// TestHandleNotReadyRejoinsReturningOfflineSpeaker covers S6: a speaker
// that went offline (registry.Merge nils out its Hostage but leaves
// Reserved/Connected as the offline transition set them) and has since
// come back (Connected == true again, still no Hostage) gets a brand new
// hostage constructed and connected on the next streamer iteration,
// rather than being permanently blocked by a failing type assertion on a
// nil Hostage.
func TestHandleNotReadyRejoinsReturningOfflineSpeaker(t *testing.T) {
	t.Parallel()

	ip, port, closeFn := listenLocal(t)
	defer closeFn()

	var fc *streamerFakeClient
	factory := func(cfg raop.Config) raop.Client {
		fc = &streamerFakeClient{accept: true}
		return fc
	}

	as := appstate.New()
	as.With(func(as *appstate.AppState) {
		as.Groups["liv"] = &appstate.Group{Name: "liv", MemberIDs: []string{"A"}}
		row := as.Speakers.Row("A")
		row.Info = discovery.Speaker{ID: "A", IPv4: ip, Port: port, ET: "0"}
		row.Connected = true
		row.Reserved = true
		row.Hostage = nil
	})

	e := New(nil, as, "liv", nil, factory)

	e.iterate(context.Background())

	as.With(func(as *appstate.AppState) {
		row := as.Speakers.Row("A")
		if row.Hostage == nil {
			t.Fatal("expected a reconstructed hostage after the rejoin stall")
		}
		if row.NotReadyStreak != 0 {
			t.Errorf("NotReadyStreak = %d, want 0 after a successful rejoin", row.NotReadyStreak)
		}
	})

	if fc == nil {
		t.Fatal("expected the engine's factory to be used to build the rejoined hostage")
	}
}
