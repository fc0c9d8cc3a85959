package loader

import (
	"encoding/binary"

	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/fs"
	"nx32/kernel/mem"
	"nx32/kernel/procmem"
)

// mzPSPSegment is the fixed real-mode segment the PSP is placed at for
// every MZ executable; the load module itself starts immediately after it,
// matching mz.rs' "PSP placed at segment 0x100, load module placed right
// after" convention.
const mzPSPSegment = 0x100

// mzHeader mirrors the fields of the 28-byte MZ header mz.rs parses:
// magic, page/remainder counts to compute the load module's size, the
// relocation table's location and entry count, the header size (so the
// load module's file offset can be derived), and the program's initial
// register state relative to its own load segment.
type mzHeader struct {
	lastPageSize     uint16
	pageCount        uint16
	relocEntries     uint16
	headerParagraphs uint16
	initialSS        uint16
	initialSP        uint16
	initialIP        uint16
	initialCS        uint16
	relocTableOff    uint16
}

func parseMZHeader(data []byte) (mzHeader, *kernel.Error) {
	if len(data) < 28 || data[0] != 'M' || data[1] != 'Z' {
		return mzHeader{}, errors.ErrInvalidHeader
	}
	le16 := binary.LittleEndian.Uint16
	return mzHeader{
		lastPageSize:     le16(data[2:4]),
		pageCount:        le16(data[4:6]),
		relocEntries:     le16(data[6:8]),
		headerParagraphs: le16(data[8:10]),
		initialSS:        le16(data[14:16]),
		initialSP:        le16(data[16:18]),
		initialIP:        le16(data[20:22]),
		initialCS:        le16(data[22:24]),
		relocTableOff:    le16(data[24:26]),
	}, nil
}

func (h mzHeader) imageSize() uintptr {
	if h.lastPageSize == 0 {
		return uintptr(h.pageCount) * 512
	}
	return uintptr(h.pageCount-1)*512 + uintptr(h.lastPageSize)
}

// loadMZ parses the MZ header, applies every relocation entry against a
// single in-memory copy of the load module (each entry is a file offset
// two words long: the in-image offset of a 16-bit segment value that needs
// loadSegment added to it), and builds a single execution segment spanning
// a synthesized PSP followed by the relocated load module, requiring
// v8086.
func loadMZ(data []byte, f fs.File) (*Environment, *kernel.Error) {
	f.Close()

	h, err := parseMZHeader(data)
	if err != nil {
		return nil, err
	}

	headerSize := uintptr(h.headerParagraphs) * 16
	imageEnd := h.imageSize()
	if headerSize > imageEnd || imageEnd > uintptr(len(data)) {
		return nil, errors.ErrInvalidHeader
	}
	loadModule := append([]byte(nil), data[headerSize:imageEnd]...)

	loadSegment := uint16(mzPSPSegment + pspSize/16)
	for i := uint16(0); i < h.relocEntries; i++ {
		entryOff := uintptr(h.relocTableOff) + uintptr(i)*4
		if entryOff+4 > uintptr(len(data)) {
			break
		}
		off := binary.LittleEndian.Uint16(data[entryOff : entryOff+2])
		seg := binary.LittleEndian.Uint16(data[entryOff+2 : entryOff+4])
		patchAt := uintptr(seg)*16 + uintptr(off)
		if patchAt+2 > uintptr(len(loadModule)) {
			continue
		}
		existing := binary.LittleEndian.Uint16(loadModule[patchAt : patchAt+2])
		binary.LittleEndian.PutUint16(loadModule[patchAt:patchAt+2], existing+loadSegment)
	}

	topParagraph := loadSegment + uint16(len(loadModule)/16) + 0x1000
	psp := buildPSP(topParagraph, mzPSPSegment, "")
	image := append(psp, loadModule...)

	base := uintptr(mzPSPSegment) << 4
	size := pageAlignUp(uintptr(len(image)))
	seg, segErr := procmem.NewExecutionSegment(mem.VirtualAddress(base), size, true, []procmem.ExecutionSection{
		{SegmentOffset: 0, ExecutableOffset: offsetPtr(0), Size: uintptr(len(image))},
	}, procmem.ForkCopyOnWrite)
	if segErr != nil {
		return nil, segErr
	}

	return &Environment{
		Segments:   []*procmem.ExecutionSegment{seg},
		HeapStart:  base + size,
		ExecReader: bufReader(image),
		Registers: InitialRegisters{
			EIP: uint32(h.initialIP),
			ESP: uint32(h.initialSP),
			CS:  uint32(loadSegment + h.initialCS),
			DS:  uint32(mzPSPSegment),
			ES:  uint32(mzPSPSegment),
			SS:  uint32(loadSegment + h.initialSS),
		},
		RequireVM: true,
	}, nil
}
