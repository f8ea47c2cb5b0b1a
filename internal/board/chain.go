package board

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"mujina-miner/internal/bm13xx"
	"mujina-miner/internal/merrors"
)

// BM13xx register addresses touched during bring-up.
const (
	regChipID       = 0x00
	regPLL0         = 0x08
	regNonceRange   = 0x10
	regTicketMask   = 0x14
	regMiscControl  = 0x18
	regBaudDivider  = 0x28
	regCoreRegCtrl  = 0x3C
	regAnalogMux    = 0x54
	regTimingTune   = 0x58
	regVersionRoll  = 0xA4
	regClockControl = 0xA8
	regPowerGate    = 0xB9
)

// Frequency ramp parameters: the chain starts at a conservative clock
// and steps up so the regulator sees a gradual load increase.
const (
	rampStartMHz = 56.25
	rampStepMHz  = 6.25
)

const chainResponseTimeout = time.Second

// initChain runs the BM13xx bring-up sequence on the data port:
// chain-wide reset, chip discovery, core configuration, difficulty and
// version mask, then the frequency ramp to the target clock.
func (b *Board) initChain(ctx context.Context) error {
	bcast := func(reg byte, value uint32) error {
		return b.writeChain(bm13xx.EncodeRegWrite(0, reg, leBytes(value), true))
	}

	if err := bcast(regVersionRoll, 0x0000A400); err != nil {
		return fmt.Errorf("chain enable: %w", err)
	}

	chips, err := b.discoverChips(ctx)
	if err != nil {
		return err
	}
	if chips != b.cfg.ChipCount {
		return merrors.Lifecycle("board.initChain",
			fmt.Errorf("found %d chips, expected %d", chips, b.cfg.ChipCount))
	}
	b.log.WithField("chips", chips).Info("chain discovered")

	if err := bcast(regClockControl, 0x07000007); err != nil {
		return err
	}
	if err := bcast(regMiscControl, 0x00C100F0); err != nil {
		return err
	}
	for _, v := range []uint32{0x80008B00, 0x80008C00, 0x800082AA} {
		if err := bcast(regCoreRegCtrl, v); err != nil {
			return err
		}
	}

	if err := bcast(regTicketMask, ticketMask(b.cfg.Difficulty)); err != nil {
		return err
	}
	if err := bcast(regVersionRoll, b.cfg.VersionMask); err != nil {
		return err
	}
	if err := bcast(regTimingTune, 0x11110100); err != nil {
		return err
	}

	// BM1370 power sequencing quirk: the gate register is written
	// before and after selecting the analog mux channel.
	if err := bcast(regPowerGate, 0x00004480); err != nil {
		return err
	}
	if err := bcast(regAnalogMux, 0x00000002); err != nil {
		return err
	}
	if err := bcast(regPowerGate, 0x00004480); err != nil {
		return err
	}

	if err := b.assignChipAddresses(chips); err != nil {
		return err
	}

	if err := b.rampFrequency(ctx); err != nil {
		return err
	}

	return nil
}

func (b *Board) writeChain(frame []byte) error {
	if _, err := b.dataPort.Write(frame); err != nil {
		return merrors.Transport("board.writeChain", err)
	}
	return nil
}

// discoverChips broadcasts a chip-id read and counts the responses that
// carry the BM1370 id bytes. The read is bounded so an empty chain
// fails discovery instead of blocking init forever.
func (b *Board) discoverChips(ctx context.Context) (int, error) {
	if err := b.writeChain(bm13xx.EncodeRegRead(0, regChipID)); err != nil {
		return 0, err
	}

	chips := 0
	for i := 0; i < b.cfg.ChipCount; i++ {
		frame, err := b.readChainResponse(ctx)
		if err != nil {
			break
		}
		resp, err := bm13xx.DecodeRegReadResponse(frame)
		if err != nil {
			b.log.WithError(err).Warn("malformed discovery response")
			continue
		}
		if !resp.IsBM1370ChipID() {
			return 0, merrors.Lifecycle("board.discoverChips",
				fmt.Errorf("unexpected chip id bytes % X", resp.RegValue[:2]))
		}
		chips++
	}

	if chips == 0 {
		return 0, merrors.Lifecycle("board.discoverChips",
			fmt.Errorf("no chips answered discovery"))
	}
	return chips, nil
}

func (b *Board) readChainResponse(ctx context.Context) ([]byte, error) {
	type result struct {
		frame []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 11)
		n := 0
		for n < len(buf) {
			m, err := b.dataPort.Read(buf[n:])
			if err != nil {
				done <- result{nil, err}
				return
			}
			n += m
		}
		done <- result{buf, nil}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, merrors.Transport("board.readChainResponse", r.err)
		}
		return r.frame, nil
	case <-time.After(chainResponseTimeout):
		return nil, merrors.Timeout("board.readChainResponse", merrors.ErrReadTimeout)
	case <-ctx.Done():
		return nil, merrors.Timeout("board.readChainResponse", ctx.Err())
	}
}

// assignChipAddresses spaces the chain's chips evenly across the 8-bit
// address space so their nonce ranges partition without overlap.
func (b *Board) assignChipAddresses(chips int) error {
	if chips == 1 {
		return nil
	}

	rangeVal, err := bm13xx.NonceRange(chips)
	if err != nil {
		return err
	}

	if err := b.writeChain(bm13xx.EncodeChainInactive()); err != nil {
		return err
	}
	for i := 0; i < chips; i++ {
		if err := b.writeChain(bm13xx.EncodeSetAddress(bm13xx.ChipAddress(i, chips))); err != nil {
			return err
		}
	}
	return b.writeChain(bm13xx.EncodeRegWrite(0, regNonceRange, leBytes(rangeVal), true))
}

// rampFrequency steps the PLL from the conservative boot clock up to
// the configured target in small increments.
func (b *Board) rampFrequency(ctx context.Context) error {
	for freq := rampStartMHz; ; freq += rampStepMHz {
		if freq > b.cfg.FreqMHz {
			freq = b.cfg.FreqMHz
		}
		if err := b.writeChain(bm13xx.EncodeRegWrite(0, regPLL0, leBytes(pllValue(freq)), true)); err != nil {
			return err
		}
		if freq >= b.cfg.FreqMHz {
			return nil
		}
		select {
		case <-time.After(25 * time.Millisecond):
		case <-ctx.Done():
			return merrors.Timeout("board.rampFrequency", ctx.Err())
		}
	}
}

// pllValue computes the PLL0 register for a target hash clock. The PLL
// multiplies the 25 MHz crystal by fbdiv and divides by refdiv and two
// post dividers: freq = 25 * fbdiv / (refdiv * pd1 * pd2).
func pllValue(freqMHz float64) uint32 {
	const xtal = 25.0

	best := struct {
		fb, ref, pd1, pd2 int
		err               float64
	}{err: 1e9}

	for _, ref := range []int{1, 2} {
		for pd1 := 1; pd1 <= 7; pd1++ {
			for pd2 := 1; pd2 <= pd1; pd2++ {
				fb := int(freqMHz*float64(ref*pd1*pd2)/xtal + 0.5)
				if fb < 0x10 || fb > 0xFF {
					continue
				}
				got := xtal * float64(fb) / float64(ref*pd1*pd2)
				e := got - freqMHz
				if e < 0 {
					e = -e
				}
				if e < best.err {
					best = struct {
						fb, ref, pd1, pd2 int
						err               float64
					}{fb, ref, pd1, pd2, e}
				}
			}
		}
	}

	return 0x40000000 |
		uint32(best.fb)<<16 |
		uint32(best.ref)<<8 |
		uint32(best.pd1-1)<<4 |
		uint32(best.pd2-1)
}

// ticketMask converts a share difficulty into the 0x14 register value:
// the mask of the largest power of two not exceeding the difficulty,
// each byte bit-reversed, little-endian.
func ticketMask(difficulty uint32) uint32 {
	pow := uint32(1)
	for pow<<1 <= difficulty && pow<<1 != 0 {
		pow <<= 1
	}
	mask := pow - 1

	var out uint32
	for i := 0; i < 4; i++ {
		out |= uint32(bitReverse(byte(mask>>(8*i)))) << (8 * i)
	}
	return out
}

func bitReverse(b byte) byte {
	b = b>>4 | b<<4
	b = (b&0xCC)>>2 | (b&0x33)<<2
	b = (b&0xAA)>>1 | (b&0x55)<<1
	return b
}

func leBytes(v uint32) [4]byte {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], v)
	return out
}
