package driver

import (
	"errors"
	"io"
	"net"
)

// Error kinds from the error-handling design. Compare with errors.Is;
// call sites wrap these with fmt.Errorf("...: %w", ErrX) for context.
var (
	ErrNotConnected     = errors.New("driver: not connected")
	ErrTimeout          = errors.New("driver: timeout")
	ErrBackpressured    = errors.New("driver: backpressured")
	ErrSlowConsumer     = errors.New("driver: slow consumer")
	ErrImageLost        = errors.New("driver: image lost")
	ErrSessionCollision = errors.New("driver: session collision")
	ErrFatal            = errors.New("driver: fatal")
	ErrHandlerError     = errors.New("driver: handler error")

	// ErrClosed is returned by operations attempted after dispose.
	ErrClosed = errors.New("driver: closed")
)

// OfferResult is the non-blocking result of a Publication.offer-equivalent
// call within the send algorithm. Negative values are failure codes,
// mirroring the transport's own non-blocking offer contract.
type OfferResult int64

const (
	// OfferOK means the frame was accepted. It carries no failure meaning;
	// it exists so Tick can switch on OfferResult uniformly instead of
	// special-casing the nil-error case.
	OfferOK OfferResult = 0
	// OfferBackPressured means the queue/peer cannot currently accept more;
	// the head request stays in place and is retried next tick.
	OfferBackPressured OfferResult = -1
	// OfferAdminAction means a transient administrative condition (e.g. a
	// log-buffer rotation in the real driver); treated like back-pressure.
	OfferAdminAction OfferResult = -2
	// OfferNotConnected means no subscriber/peer is currently connected.
	OfferNotConnected OfferResult = -3
	// OfferMaxPositionExceeded means the publication has exhausted its
	// addressable position space and must be abandoned.
	OfferMaxPositionExceeded OfferResult = -4
	// OfferClosed means the publication is closed.
	OfferClosed OfferResult = -5
)

// classifyOffer maps a Stream.SendBytes error onto the offer outcome the
// send algorithm branches on. A timeout-shaped error is transient
// back-pressure; a closed/EOF'd stream cannot recover; anything else is
// treated as the peer being gone (not connected), which the caller bounds
// with the request's own enqueue timeout rather than retrying forever.
func classifyOffer(err error) OfferResult {
	if err == nil {
		return OfferOK
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OfferBackPressured
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return OfferClosed
	}
	return OfferNotConnected
}
