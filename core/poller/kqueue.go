//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import "golang.org/x/sys/unix"

// kqueuePoller is a kqueue-based I/O multiplexer for BSD/macOS.
type kqueuePoller struct {
	kqfd   int
	events []unix.Kevent_t
}

func newPoller(maxEvents int) (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	return &kqueuePoller{
		kqfd:   kqfd,
		events: make([]unix.Kevent_t, maxEvents),
	}, nil
}

func (p *kqueuePoller) changeInterest(fd int, interest Interest) error {
	var changes []unix.Kevent_t

	readFlags := int16(unix.EV_DELETE)
	if interest.Has(Read) {
		readFlags = unix.EV_ADD | unix.EV_ENABLE
	}
	changes = append(changes, unix.Kevent_t{
		Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: uint16(readFlags),
	})

	writeFlags := int16(unix.EV_DELETE)
	if interest.Has(Write) {
		writeFlags = unix.EV_ADD | unix.EV_ENABLE
	}
	changes = append(changes, unix.Kevent_t{
		Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: uint16(writeFlags),
	})

	// Deleting a filter that was never added is harmless (ENOENT),
	// ignore it per-change rather than failing the whole Mod/Add.
	for _, c := range changes {
		if _, err := unix.Kevent(p.kqfd, []unix.Kevent_t{c}, nil, nil); err != nil {
			if err != unix.ENOENT || c.Flags&unix.EV_DELETE == 0 {
				if c.Flags&unix.EV_DELETE != 0 {
					continue
				}
				return err
			}
		}
	}
	return nil
}

func (p *kqueuePoller) Add(fd int, interest Interest) error {
	return p.changeInterest(fd, interest)
}

func (p *kqueuePoller) Mod(fd int, interest Interest) error {
	return p.changeInterest(fd, interest)
}

func (p *kqueuePoller) Remove(fd int) error {
	return p.changeInterest(fd, 0)
}

func (p *kqueuePoller) Wait(timeoutMS int) ([]Event, error) {
	var ts *unix.Timespec
	if timeoutMS >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMS / 1000),
			Nsec: int64((timeoutMS % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	byFD := make(map[int]*Event, n)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		e := p.events[i]
		fd := int(e.Ident)
		ev, ok := byFD[fd]
		if !ok {
			ev = &Event{FD: fd}
			byFD[fd] = ev
			order = append(order, fd)
		}
		switch e.Filter {
		case unix.EVFILT_READ:
			ev.Readable = true
		case unix.EVFILT_WRITE:
			ev.Writable = true
		}
		if e.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
			ev.Readable = true
		}
	}

	out := make([]Event, 0, len(order))
	for _, fd := range order {
		out = append(out, *byFD[fd])
	}
	return out, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}

// SetNonblock puts fd into non-blocking mode, required before registering
// it with the poller.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
