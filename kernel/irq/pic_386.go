package irq

import "nx32/kernel/cpu"

// The 8259 PIC ports and initialization-command-word bits, used to remap
// the 16 hardware IRQ lines away from their power-on vectors (0x08-0x0F and
// 0x70-0x77, which collide with CPU exception vectors) to 0x20-0x2F.
const (
	picMasterCommand = 0x20
	picMasterData    = 0x21
	picSlaveCommand  = 0xA0
	picSlaveData     = 0xA1

	icw1Init     = 0x11 // edge triggered, cascade mode, ICW4 present
	icw4Mode8086 = 0x01

	picBaseVector = 0x20
	picEOI        = 0x20
)

// remapPIC reprograms both 8259 controllers so that IRQ lines 0-15 raise
// interrupt vectors picBaseVector..picBaseVector+15 instead of their
// power-on defaults, leaving every line masked (disabled) until
// UnmaskIRQ is called for it. HandleIRQ only registers a handler and does
// not unmask the line.
func remapPIC() {
	cpu.Outb(picMasterCommand, icw1Init)
	cpu.Outb(picSlaveCommand, icw1Init)
	cpu.Outb(picMasterData, picBaseVector)      // master offset
	cpu.Outb(picSlaveData, picBaseVector+8)     // slave offset
	cpu.Outb(picMasterData, 0x04)               // tell master about slave on IRQ2
	cpu.Outb(picSlaveData, 0x02)                // tell slave its cascade identity
	cpu.Outb(picMasterData, icw4Mode8086)
	cpu.Outb(picSlaveData, icw4Mode8086)

	// Mask every line; callers unmask the ones they install handlers for.
	cpu.Outb(picMasterData, 0xFF)
	cpu.Outb(picSlaveData, 0xFF)
}

// UnmaskIRQ enables delivery of the given IRQ line (0-15).
func UnmaskIRQ(line uint8) {
	port := uint16(picMasterData)
	if line >= 8 {
		port = picSlaveData
		line -= 8
	}
	mask := cpu.Inb(port)
	cpu.Outb(port, mask&^(1<<line))
}

// MaskIRQ disables delivery of the given IRQ line (0-15).
func MaskIRQ(line uint8) {
	port := uint16(picMasterData)
	if line >= 8 {
		port = picSlaveData
		line -= 8
	}
	mask := cpu.Inb(port)
	cpu.Outb(port, mask|(1<<line))
}

// sendEOI acknowledges the interrupt controller(s) for the given line. IRQs
// 8-15 are routed through the slave PIC cascaded into the master's IRQ2, so
// both controllers must be acknowledged for those lines.
func sendEOI(line uint8) {
	if line >= 8 {
		cpu.Outb(picSlaveCommand, picEOI)
	}
	cpu.Outb(picMasterCommand, picEOI)
}
