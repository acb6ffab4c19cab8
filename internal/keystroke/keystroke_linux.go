//go:build linux

package keystroke

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02

	keyRelease = 0
	keyPress   = 1
	keyRepeat  = 2

	inputEventSize = 24

	eviocgrab = 0x40044590

	uiSetEvBit    = 0x40045564
	uiSetKeyBit   = 0x40045565
	uiDevCreate   = 0x5501
	uiDevDestroy  = 0x5502
	uinputDevSize = 80 + 8 + 4 + 4*64*4
)

// LinuxSource reads a keyboard and, optionally, pointer devices from
// /dev/input. The keyboard is grabbed so that its events reach the rest of
// the system only through the fork machine.
type LinuxSource struct {
	BaseSource
	Keyboard string
	Pointers []string
	Grab     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	files  []*os.File
}

// NewLinuxSource creates a source for the given keyboard device. An empty
// path selects the first keyboard found in /proc/bus/input/devices.
func NewLinuxSource(keyboard string, pointers []string, grab bool) *LinuxSource {
	return &LinuxSource{Keyboard: keyboard, Pointers: pointers, Grab: grab}
}

// Available checks if we can read input devices.
func (l *LinuxSource) Available() (bool, string) {
	devices, err := FindKeyboardDevices()
	if err != nil {
		return false, fmt.Sprintf("cannot find keyboard devices: %v", err)
	}
	if len(devices) == 0 {
		return false, "no keyboard devices found"
	}
	for _, dev := range devices {
		f, err := os.OpenFile(dev, os.O_RDONLY, 0)
		if err == nil {
			f.Close()
			return true, fmt.Sprintf("found keyboard device: %s", dev)
		}
	}
	return false, "cannot read keyboard devices (need to be in 'input' group or run as root)"
}

// FindKeyboardDevices finds /dev/input devices that are keyboards.
func FindKeyboardDevices() ([]string, error) {
	return findDevices(func(line string) bool {
		// EV bitmap with EV_KEY and EV_REP (0x120013 and friends)
		return strings.HasPrefix(line, "B: EV=") && strings.HasSuffix(line, "13")
	})
}

// FindPointerDevices finds /dev/input devices that report relative motion.
func FindPointerDevices() ([]string, error) {
	return findDevices(func(line string) bool {
		return strings.HasPrefix(line, "B: REL=") && strings.TrimPrefix(line, "B: REL=") != "0"
	})
}

func findDevices(match func(line string) bool) ([]string, error) {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var devices []string
	scanner := bufio.NewScanner(f)
	var currentHandler string
	matched := false

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "H: Handlers=") {
			for _, part := range strings.Fields(line) {
				if strings.HasPrefix(part, "event") {
					currentHandler = "/dev/input/" + part
				}
			}
		}
		if match(line) {
			matched = true
		}
		if line == "" {
			if matched && currentHandler != "" {
				devices = append(devices, currentHandler)
			}
			currentHandler = ""
			matched = false
		}
	}
	if matched && currentHandler != "" {
		devices = append(devices, currentHandler)
	}
	return devices, scanner.Err()
}

// Start opens the devices and begins reading.
func (l *LinuxSource) Start(ctx context.Context) error {
	if l.IsRunning() {
		return ErrAlreadyRunning
	}

	keyboard := l.Keyboard
	if keyboard == "" {
		devices, err := FindKeyboardDevices()
		if err != nil || len(devices) == 0 {
			return ErrNotAvailable
		}
		keyboard = devices[0]
	} else if resolved, err := filepath.EvalSymlinks(keyboard); err == nil {
		keyboard = resolved
	}

	kbd, err := os.OpenFile(keyboard, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open keyboard %s: %w", keyboard, err)
	}
	if l.Grab {
		if err := unix.IoctlSetInt(int(kbd.Fd()), eviocgrab, 1); err != nil {
			kbd.Close()
			return fmt.Errorf("grab keyboard %s: %w", keyboard, err)
		}
	}

	l.init(256)
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.files = []*os.File{kbd}
	l.SetRunning(true)

	l.wg.Add(1)
	go l.readKeys(kbd)

	for _, path := range l.Pointers {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			continue
		}
		l.files = append(l.files, f)
		l.wg.Add(1)
		go l.readMotion(f)
	}

	go func() {
		<-l.ctx.Done()
		for _, f := range l.files {
			f.Close()
		}
	}()
	return nil
}

func decodeInputEvent(buf []byte) (sec, usec int64, typ, code uint16, value int32) {
	sec = int64(binary.LittleEndian.Uint64(buf[0:8]))
	usec = int64(binary.LittleEndian.Uint64(buf[8:16]))
	typ = binary.LittleEndian.Uint16(buf[16:18])
	code = binary.LittleEndian.Uint16(buf[18:20])
	value = int32(binary.LittleEndian.Uint32(buf[20:24]))
	return
}

func (l *LinuxSource) readKeys(f *os.File) {
	defer l.wg.Done()
	buf := make([]byte, inputEventSize)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			return
		}
		sec, usec, typ, code, value := decodeInputEvent(buf)
		if typ != evKey || !Keycode(code).Valid() {
			continue
		}
		ev := Event{Code: Keycode(code), Time: TimeFromTimeval(sec, usec)}
		switch value {
		case keyPress, keyRepeat:
			ev.Kind = Press
		case keyRelease:
			ev.Kind = Release
		default:
			continue
		}
		l.Publish(l.ctx, ev)
	}
}

func (l *LinuxSource) readMotion(f *os.File) {
	defer l.wg.Done()
	buf := make([]byte, inputEventSize)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			return
		}
		sec, usec, typ, _, _ := decodeInputEvent(buf)
		if typ == evRel {
			l.PublishMotion(TimeFromTimeval(sec, usec))
		}
	}
}

// Stop stops reading and releases the devices.
func (l *LinuxSource) Stop() error {
	if !l.IsRunning() {
		return nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.SetRunning(false)
	l.CloseChannels()
	return nil
}

// VirtualKeyboard is a uinput device that receives decided events.
type VirtualKeyboard struct {
	mu sync.Mutex
	f  *os.File
}

// OpenVirtualKeyboard creates a uinput keyboard able to emit every keycode.
func OpenVirtualKeyboard(name string) (*VirtualKeyboard, error) {
	f, err := os.OpenFile("/dev/uinput", os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open uinput: %w", err)
	}
	fd := int(f.Fd())

	if err := unix.IoctlSetInt(fd, uiSetEvBit, evKey); err != nil {
		f.Close()
		return nil, fmt.Errorf("uinput set EV_KEY: %w", err)
	}
	for code := 1; code < KeycodeCount; code++ {
		if err := unix.IoctlSetInt(fd, uiSetKeyBit, code); err != nil {
			f.Close()
			return nil, fmt.Errorf("uinput set key %d: %w", code, err)
		}
	}

	dev := make([]byte, uinputDevSize)
	copy(dev[:79], name)
	binary.LittleEndian.PutUint16(dev[80:82], 0x06) // BUS_VIRTUAL
	binary.LittleEndian.PutUint16(dev[82:84], 0x1)
	binary.LittleEndian.PutUint16(dev[84:86], 0x1)
	binary.LittleEndian.PutUint16(dev[86:88], 0x1)
	if _, err := f.Write(dev); err != nil {
		f.Close()
		return nil, fmt.Errorf("uinput setup: %w", err)
	}
	if err := unix.IoctlSetInt(fd, uiDevCreate, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("uinput create: %w", err)
	}
	return &VirtualKeyboard{f: f}, nil
}

func encodeInputEvent(buf []byte, t time.Time, typ, code uint16, value int32) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(t.Unix()))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(t.Nanosecond()/1000))
	binary.LittleEndian.PutUint16(buf[16:18], typ)
	binary.LittleEndian.PutUint16(buf[18:20], code)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(value))
}

// Emit writes ev followed by a SYN_REPORT.
func (v *VirtualKeyboard) Emit(ev Event) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.f == nil {
		return os.ErrClosed
	}

	value := int32(keyRelease)
	if ev.IsPress() {
		value = keyPress
	}
	now := time.Now()
	buf := make([]byte, 2*inputEventSize)
	encodeInputEvent(buf[:inputEventSize], now, evKey, uint16(ev.Code), value)
	encodeInputEvent(buf[inputEventSize:], now, evSyn, 0, 0)

	if _, err := v.f.Write(buf); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return ErrWouldBlock
		}
		return fmt.Errorf("uinput write: %w", err)
	}
	return nil
}

// Close destroys the virtual device.
func (v *VirtualKeyboard) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.f == nil {
		return nil
	}
	_ = unix.IoctlSetInt(int(v.f.Fd()), uiDevDestroy, 0)
	err := v.f.Close()
	v.f = nil
	return err
}
