package capture

import (
	"context"
	"sync"
)

// FeedCamera is a CameraSource whose frames are pushed by a transport, such
// as a browser streaming its camera over a WebSocket. The acquire and release
// hooks tell the transport to start or stop sending.
type FeedCamera struct {
	mu        sync.Mutex
	open      bool
	latest    []byte
	seq       uint64
	denied    error
	changed   chan struct{}
	onAcquire func()
	onRelease func()
}

func NewFeedCamera(onAcquire, onRelease func()) *FeedCamera {
	return &FeedCamera{
		changed:   make(chan struct{}),
		onAcquire: onAcquire,
		onRelease: onRelease,
	}
}

// Push delivers a frame. Frames arriving while no stream is open are dropped.
func (f *FeedCamera) Push(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return
	}
	f.latest = frame
	f.seq++
	f.notify()
}

// Deny reports that the device refused camera access.
func (f *FeedCamera) Deny(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reason == "" {
		reason = "camera permission denied"
	}
	f.denied = deniedError(reason)
	f.notify()
}

// Disconnect ends any open stream; waiting callers get ErrStreamClosed.
func (f *FeedCamera) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.latest = nil
	if f.denied == nil {
		f.denied = ErrStreamClosed
	}
	f.notify()
}

type deniedError string

func (e deniedError) Error() string { return string(e) }

func (e deniedError) Is(target error) bool { return target == ErrCameraDenied }

func (f *FeedCamera) notify() {
	close(f.changed)
	f.changed = make(chan struct{})
}

// Open asks the transport for frames and waits for the first one.
func (f *FeedCamera) Open(ctx context.Context) (Stream, error) {
	f.mu.Lock()
	if f.denied != nil {
		err := f.denied
		f.mu.Unlock()
		return nil, err
	}
	f.open = true
	f.latest = nil
	start := f.seq
	f.mu.Unlock()

	if f.onAcquire != nil {
		f.onAcquire()
	}

	s := &feedStream{cam: f, last: start}
	if _, err := s.Frame(ctx); err != nil {
		s.Close()
		return nil, err
	}
	// the first frame only proves the device is live; let it be reused
	s.last = start
	return s, nil
}

type feedStream struct {
	cam    *FeedCamera
	last   uint64
	closed bool
}

// Frame returns the next frame pushed after the last one this stream read.
func (s *feedStream) Frame(ctx context.Context) ([]byte, error) {
	for {
		s.cam.mu.Lock()
		if s.closed || !s.cam.open {
			s.cam.mu.Unlock()
			return nil, ErrStreamClosed
		}
		if s.cam.denied != nil {
			err := s.cam.denied
			s.cam.mu.Unlock()
			return nil, err
		}
		if s.cam.seq > s.last && s.cam.latest != nil {
			s.last = s.cam.seq
			frame := s.cam.latest
			s.cam.mu.Unlock()
			return frame, nil
		}
		changed := s.cam.changed
		s.cam.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (s *feedStream) Close() error {
	s.cam.mu.Lock()
	if s.closed {
		s.cam.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cam.open = false
	s.cam.latest = nil
	s.cam.notify()
	s.cam.mu.Unlock()

	if s.cam.onRelease != nil {
		s.cam.onRelease()
	}
	return nil
}
