package proc

import (
	"bytes"
	"testing"
)

func TestSplicedReader(t *testing.T) {
	data := []byte{}
	data2 := []byte{}
	for i := 0; i < 100; i++ {
		data = append(data, byte(i))
		data2 = append(data2, byte(i+100))
	}

	type region struct {
		data   []byte
		off    uint64
		length uint64
	}
	tests := []struct {
		name     string
		regions  []region
		readAddr uint64
		readLen  int
		want     []byte
	}{
		{
			"Insert after",
			[]region{
				{data, 0, 1},
				{data2, 1, 1},
			},
			0,
			2,
			[]byte{0, 101},
		},
		{
			"Insert before",
			[]region{
				{data, 1, 1},
				{data2, 0, 1},
			},
			0,
			2,
			[]byte{100, 1},
		},
		{
			"Completely overwrite",
			[]region{
				{data, 1, 1},
				{data2, 0, 3},
			},
			0,
			3,
			[]byte{100, 101, 102},
		},
		{
			"Overwrite end",
			[]region{
				{data, 0, 2},
				{data2, 1, 2},
			},
			0,
			3,
			[]byte{0, 101, 102},
		},
		{
			"Overwrite start",
			[]region{
				{data, 0, 3},
				{data2, 0, 2},
			},
			0,
			3,
			[]byte{100, 101, 2},
		},
		{
			"Punch hole",
			[]region{
				{data, 0, 5},
				{data2, 1, 3},
			},
			0,
			5,
			[]byte{0, 101, 102, 103, 4},
		},
		{
			"Overlap two",
			[]region{
				{data, 10, 4},
				{data, 14, 4},
				{data2, 12, 4},
			},
			10,
			8,
			[]byte{10, 11, 112, 113, 114, 115, 16, 17},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mem := &SplicedMemory{}
			for _, region := range test.regions {
				// The whole buffer is pinned at address 0, the splice
				// itself restricts the visible window.
				mem.Add(&OffsetReader{Data: region.data, Addr: 0}, region.off, region.length)
			}
			got := make([]byte, test.readLen)
			n, err := mem.ReadMemory(got, test.readAddr)
			if err != nil || n != test.readLen {
				t.Fatalf("ReadMemory = %v, %v", n, err)
			}
			if !bytes.Equal(got, test.want) {
				t.Errorf("ReadMemory = %v, want %v", got, test.want)
			}
		})
	}
}

func TestSplicedReaderGap(t *testing.T) {
	mem := &SplicedMemory{}
	mem.Add(&OffsetReader{Data: []byte{1, 2, 3, 4}, Addr: 0x1000}, 0x1000, 4)
	mem.Add(&OffsetReader{Data: []byte{5, 6, 7, 8}, Addr: 0x2000}, 0x2000, 4)

	// Read within one region.
	buf := make([]byte, 4)
	if n, err := mem.ReadMemory(buf, 0x2000); n != 4 || err != nil {
		t.Errorf("ReadMemory = %v, %v", n, err)
	}
	if !bytes.Equal(buf, []byte{5, 6, 7, 8}) {
		t.Errorf("ReadMemory = %v", buf)
	}

	// Read starting in a gap.
	if _, err := mem.ReadMemory(buf, 0x1800); err == nil {
		t.Errorf("read in unmapped gap succeeded")
	}

	// Read running off the end of a region into a gap.
	if _, err := mem.ReadMemory(buf, 0x1002); err == nil {
		t.Errorf("read across unmapped gap succeeded")
	}
}

func TestReadUint64(t *testing.T) {
	mem := &OffsetReader{Data: []byte{0x78, 0x56, 0x34, 0x12, 0, 0, 0, 0}, Addr: 0x1000}
	v, err := ReadUint64(mem, 0x1000)
	if err != nil {
		t.Fatalf("ReadUint64: %v", err)
	}
	if v != 0x12345678 {
		t.Errorf("ReadUint64 = %#x, want 0x12345678", v)
	}
	if _, err := ReadUint64(mem, 0x1004); err == nil {
		t.Errorf("short read succeeded")
	}
}
