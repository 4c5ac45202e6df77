package blobstore

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	magic = uint64(0x544c53544e4c3031) // "TLSTNL01"

	// headerSize is magic(8) + counter(8) + timestamp(8) + dataLength(4).
	headerSize = 8 + 8 + 8 + 4
	// checksumSize is a sha256 digest.
	checksumSize = sha256.Size
	// slotHeaderSize is the fixed prefix of a slot, header+checksum.
	slotHeaderSize = headerSize + checksumSize

	// MaxPayloadSize bounds the payload a single slot can hold. The SNI
	// map and control-protocol messages are small; 64KiB is generous
	// headroom for a device with many configured domains.
	MaxPayloadSize = 64 * 1024

	// SlotSize is the fixed size reserved per superblock slot on the
	// device.
	SlotSize = slotHeaderSize + MaxPayloadSize

	// NumSlots is the number of alternating superblock slots the device
	// must have room for. spec.md §4.1 requires "at least two".
	NumSlots = 2

	// DeviceSize is the minimum device size the Store requires.
	DeviceSize = NumSlots * SlotSize
)

// Sentinel errors, per spec.md §4.1's error set.
var (
	// ErrBadChecksum is returned when a slot's checksum does not verify.
	ErrBadChecksum = errors.New("blobstore: bad checksum")

	// ErrUninitialized is returned by ReadData when no slot on the
	// device holds a verifying superblock. The caller's policy (per
	// spec.md §4.1) is to treat this the same as a checksum failure and
	// call Init.
	ErrUninitialized = errors.New("blobstore: uninitialized device")
)

// DecodeError reports a malformed superblock whose magic matches, e.g. a
// data_length that doesn't fit the slot. It is reported before the
// checksum is checked.
type DecodeError struct {
	Kind string
}

func (e *DecodeError) Error() string { return fmt.Sprintf("blobstore: decode error: %s", e.Kind) }

// Superblock is the fixed-size header described in spec.md §3. Slot records
// which physical slot this instance was read from or written to; it is
// in-memory bookkeeping only and is not itself part of the persisted
// layout.
type Superblock struct {
	Slot         int
	SuperCounter uint64
	Timestamp    time.Time
	DataLength   uint32
}

// Store is the Blob Store of spec.md §4.1. All mutation goes through
// WriteData, which the Store itself serializes; spec.md's broader
// "at-most-one concurrent writer" invariant still requires the caller
// (internal/control) not to interleave a read-modify-write sequence across
// goroutines, which the mutex here does not by itself guarantee.
type Store struct {
	dev   BlockDevice
	clock Clock

	mu sync.Mutex
}

// New constructs a Store over dev. A nil clock uses the system clock.
func New(dev BlockDevice, clock Clock) *Store {
	if clock == nil {
		clock = systemClock{}
	}
	return &Store{dev: dev, clock: clock}
}

func slotOffset(slot int) int64 { return int64(slot) * SlotSize }

// readSlot reads and validates the superblock+payload at the given slot. It
// returns ErrBadChecksum if the magic or the checksum does not verify, and a
// *DecodeError if data_length exceeds the slot; any other error is an I/O
// error from the device.
func (s *Store) readSlot(slot int) (Superblock, []byte, error) {
	hdr := make([]byte, slotHeaderSize)
	if _, err := s.dev.ReadAt(hdr, slotOffset(slot)); err != nil {
		return Superblock{}, nil, fmt.Errorf("blobstore: read slot %d header: %w", slot, err)
	}

	gotMagic := binary.BigEndian.Uint64(hdr[0:8])
	counter := binary.BigEndian.Uint64(hdr[8:16])
	ts := int64(binary.BigEndian.Uint64(hdr[16:24]))
	dataLen := binary.BigEndian.Uint32(hdr[24:28])
	var storedSum [checksumSize]byte
	copy(storedSum[:], hdr[headerSize:slotHeaderSize])

	if gotMagic != magic {
		return Superblock{}, nil, ErrBadChecksum
	}
	if dataLen > MaxPayloadSize {
		return Superblock{}, nil, &DecodeError{Kind: "data_length exceeds slot capacity"}
	}

	payload := make([]byte, dataLen)
	if dataLen > 0 {
		if _, err := s.dev.ReadAt(payload, slotOffset(slot)+slotHeaderSize); err != nil {
			return Superblock{}, nil, fmt.Errorf("blobstore: read slot %d payload: %w", slot, err)
		}
	}

	sum := checksum(hdr[0:headerSize], payload)
	if sum != storedSum {
		return Superblock{}, nil, ErrBadChecksum
	}

	return Superblock{
		Slot:         slot,
		SuperCounter: counter,
		Timestamp:    time.Unix(0, ts),
		DataLength:   dataLen,
	}, payload, nil
}

func checksum(header []byte, payload []byte) [checksumSize]byte {
	h := sha256.New()
	h.Write(header)
	h.Write(payload)
	var out [checksumSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ReadData implements spec.md §4.1's read_data: it returns the valid
// superblock with the greatest SuperCounter among those whose checksum
// verifies. If neither slot verifies, the device is uninitialized.
func (s *Store) ReadData() (Superblock, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best     Superblock
		bestData []byte
		found    bool
	)

	for slot := 0; slot < NumSlots; slot++ {
		sb, data, err := s.readSlot(slot)
		if err != nil {
			if errors.Is(err, ErrBadChecksum) {
				continue
			}
			var de *DecodeError
			if errors.As(err, &de) {
				continue
			}
			return Superblock{}, nil, err
		}
		if !found || sb.SuperCounter > best.SuperCounter {
			best, bestData, found = sb, data, true
		}
	}

	if !found {
		return Superblock{}, nil, ErrUninitialized
	}
	return best, bestData, nil
}

// Init writes a fresh superblock (SuperCounter 0, empty payload) to slot 0,
// per spec.md §4.1's init operation.
func (s *Store) Init() (Superblock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sb := Superblock{
		Slot:         0,
		SuperCounter: 0,
		Timestamp:    s.clock.Now(),
		DataLength:   0,
	}
	if err := s.writeSlot(sb, nil); err != nil {
		return Superblock{}, fmt.Errorf("blobstore: init: %w", err)
	}
	return sb, nil
}

// WriteData implements spec.md §4.1's write_data: it writes newPayload to
// the slot alternate to prev.Slot with SuperCounter = prev.SuperCounter+1,
// returning the new superblock. A crash between the header write and the
// fsync leaves the previous superblock intact and selectable by ReadData.
func (s *Store) WriteData(prev Superblock, newPayload []byte) (Superblock, error) {
	if len(newPayload) > MaxPayloadSize {
		return Superblock{}, fmt.Errorf("blobstore: payload of %d bytes exceeds max %d", len(newPayload), MaxPayloadSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := Superblock{
		Slot:         alternateSlot(prev.Slot),
		SuperCounter: prev.SuperCounter + 1,
		Timestamp:    s.clock.Now(),
		DataLength:   uint32(len(newPayload)),
	}
	if err := s.writeSlot(next, newPayload); err != nil {
		return Superblock{}, fmt.Errorf("blobstore: write_data: %w", err)
	}
	return next, nil
}

func alternateSlot(slot int) int { return (slot + 1) % NumSlots }

func (s *Store) writeSlot(sb Superblock, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint64(hdr[0:8], magic)
	binary.BigEndian.PutUint64(hdr[8:16], sb.SuperCounter)
	binary.BigEndian.PutUint64(hdr[16:24], uint64(sb.Timestamp.UnixNano()))
	binary.BigEndian.PutUint32(hdr[24:28], uint32(len(payload)))

	sum := checksum(hdr, payload)

	buf := make([]byte, slotHeaderSize+len(payload))
	copy(buf, hdr)
	copy(buf[headerSize:], sum[:])
	copy(buf[slotHeaderSize:], payload)

	if _, err := s.dev.WriteAt(buf, slotOffset(sb.Slot)); err != nil {
		return err
	}
	return s.dev.Sync()
}
