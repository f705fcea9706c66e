package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-ssh-lite/sshlite/internal/buffer"
	"github.com/go-ssh-lite/sshlite/internal/cipher"
)

// Rekey thresholds, per RFC 4253 section 9: whichever is reached first
// triggers a new KEXINIT.
const (
	RekeyBytes        = 1 << 30 // 1 GiB
	RekeyPackets      = 1 << 32
	RekeyElapsed      = time.Hour
	readAheadChunk    = 32 * 1024
	defaultWriteQueue = 16
)

// ErrConnectionClosed is returned by ReadPacket/WritePacket once the
// transport has been closed with no recorded cause (Close(nil)). A
// transport closed by a fatal decode/IO error or a cancelled context
// returns that error from later calls instead of ErrConnectionClosed.
var ErrConnectionClosed = errors.New("transport: connection closed")

// Transport owns one TCP socket, the current inbound/outbound packet codec
// (replaceable at NEWKEYS), and the two per-direction sequence counters.
// ReadPacket and WritePacket are the only interface it exposes upward; the
// key exchange, authentication, and any external channel-multiplexing layer
// all drive the connection exclusively through them.
type Transport struct {
	conn         net.Conn
	pool         *buffer.Pool
	inbound      *buffer.Buffer
	maxPacketLen int
	rand         io.Reader

	mu       sync.Mutex
	dec      cipher.Decoder
	enc      cipher.Encoder
	readSeq  uint32
	writeSeq uint32

	readBytes, writeBytes     uint64
	readPackets, writePackets uint64
	rekeyStart                time.Time

	writeCh chan writeRequest

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

type writeRequest struct {
	payload []byte
	result  chan error
}

// New creates a Transport over conn. Before the first KEX completes, both
// directions use the plaintext "none" codec, per RFC 4253 section 6. pool
// backs the inbound accumulation buffer; maxPacketLen <= 0 selects
// cipher.DefaultMaxPacketLength.
func New(conn net.Conn, pool *buffer.Pool, maxPacketLen int) *Transport {
	if maxPacketLen <= 0 {
		maxPacketLen = cipher.DefaultMaxPacketLength
	}
	t := &Transport{
		conn:         conn,
		pool:         pool,
		inbound:      pool.NewBuffer(),
		maxPacketLen: maxPacketLen,
		rand:         rand.Reader,
		dec:          cipher.NewNone(),
		enc:          cipher.NewNone(),
		writeCh:      make(chan writeRequest, defaultWriteQueue),
		closed:       make(chan struct{}),
		rekeyStart:   time.Now(),
	}
	return t
}

// Serve runs the transport's single writer task until ctx is cancelled or a
// write fails. It returns once the writer stops; callers typically run it
// in its own goroutine (or via errgroup) alongside whatever reads packets.
func (t *Transport) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close(ctx.Err()) })
	defer stop()

	for {
		select {
		case <-t.closed:
			return t.closeErr
		case req := <-t.writeCh:
			err := t.writeOne(req.payload)
			req.result <- err
			if err != nil {
				_ = t.Close(err)
				return err
			}
		}
	}
}

// SetCodec atomically replaces the decoder and/or encoder, for use exactly
// once per direction at NEWKEYS. Passing nil for either argument leaves
// that direction's codec unchanged. The previous codec's Close is called
// (see cipher.Codec.Close for which key bytes that zeroes). Sequence
// numbers are never reset.
func (t *Transport) SetCodec(dec cipher.Decoder, enc cipher.Encoder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dec != nil {
		if closer, ok := t.dec.(interface{ Close() }); ok {
			closer.Close()
		}
		t.dec = dec
	}
	if enc != nil {
		if closer, ok := t.enc.(interface{ Close() }); ok {
			closer.Close()
		}
		t.enc = enc
	}
}

// ReadPacket blocks until one complete packet has been decoded, ctx is
// done, or the transport fails. On success the inbound sequence number has
// been advanced by exactly one. The caller must call Packet.Release.
func (t *Transport) ReadPacket(ctx context.Context) (*cipher.Packet, error) {
	stop := context.AfterFunc(ctx, func() { _ = t.Close(ctx.Err()) })
	defer stop()

	for {
		select {
		case <-t.closed:
			if t.closeErr != nil {
				return nil, t.closeErr
			}
			return nil, ErrConnectionClosed
		default:
		}

		pkt, seq, err := t.tryDecode()
		if err == nil {
			t.recordRead(len(pkt.Payload))
			_ = seq
			return pkt, nil
		}
		if !errors.Is(err, cipher.ErrPending) {
			_ = t.Close(err)
			return nil, err
		}

		if err := t.fill(); err != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.closed:
				// Close interrupted the read: report its cause, as above.
				if t.closeErr != nil {
					return nil, t.closeErr
				}
				return nil, ErrConnectionClosed
			default:
			}
			_ = t.Close(err)
			return nil, err
		}
	}
}

func (t *Transport) tryDecode() (*cipher.Packet, uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pkt, err := t.dec.TryDecode(t.inbound, t.readSeq, t.maxPacketLen)
	if err != nil {
		return nil, 0, err
	}
	seq := t.readSeq
	t.readSeq++
	return pkt, seq, nil
}

func (t *Transport) fill() error {
	buf := make([]byte, readAheadChunk)
	n, err := t.conn.Read(buf)
	if n > 0 {
		_, _ = t.inbound.Write(buf[:n])
	}
	if err != nil {
		return fmt.Errorf("transport: read: %w", err)
	}
	return nil
}

func (t *Transport) recordRead(payloadLen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBytes += uint64(payloadLen)
	t.readPackets++
}

// WritePacket encodes and writes payload as the next outbound packet.
// Calls are safe from multiple goroutines: writes are serialized FIFO
// through a single internal writer.
func (t *Transport) WritePacket(ctx context.Context, payload []byte) error {
	req := writeRequest{payload: payload, result: make(chan error, 1)}

	select {
	case t.writeCh <- req:
	case <-t.closed:
		if t.closeErr != nil {
			return t.closeErr
		}
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-t.closed:
		// A request still queued when the writer stopped gets no result.
		select {
		case err := <-req.result:
			return err
		default:
		}
		if t.closeErr != nil {
			return t.closeErr
		}
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) writeOne(payload []byte) error {
	t.mu.Lock()
	enc := t.enc
	seq := t.writeSeq
	t.writeSeq++
	t.mu.Unlock()

	out, err := enc.Encode(t.rand, payload, seq)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	if _, err := t.conn.Write(out); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}

	t.mu.Lock()
	t.writeBytes += uint64(len(payload))
	t.writePackets++
	t.mu.Unlock()
	return nil
}

// RekeyDue reports whether any RFC 4253 section 9 threshold has been
// reached since the last ResetRekeyClock call (i.e. since the last
// completed key exchange).
func (t *Transport) RekeyDue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readBytes >= RekeyBytes || t.writeBytes >= RekeyBytes ||
		t.readPackets >= RekeyPackets || t.writePackets >= RekeyPackets ||
		time.Since(t.rekeyStart) >= RekeyElapsed
}

// ResetRekeyClock zeroes the rekey counters and restarts the elapsed-time
// clock. Call once a rekey's NEWKEYS exchange has completed in both
// directions.
func (t *Transport) ResetRekeyClock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBytes, t.writeBytes, t.readPackets, t.writePackets = 0, 0, 0, 0
	t.rekeyStart = time.Now()
}

// Close tears down the transport, waking any blocked ReadPacket/WritePacket
// calls with cause (or ErrConnectionClosed if cause is nil). It is safe to
// call multiple times and from multiple goroutines; only the first call's
// cause is recorded.
func (t *Transport) Close(cause error) error {
	t.closeOnce.Do(func() {
		t.closeErr = cause
		close(t.closed)
		_ = t.conn.Close()
		t.inbound.Release()
	})
	return nil
}
