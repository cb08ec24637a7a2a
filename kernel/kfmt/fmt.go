// Package kfmt provides the allocation-free formatted output used by the
// kernel before (and while) the memory allocators are brought up.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize is large enough for a padded 64-bit value in base 8.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	hexDigits       = "0123456789abcdef"

	numBuf     [numBufSize]byte
	singleByte = []byte(" ")

	// earlyPrintBuffer keeps Printf output until an output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink receives Printf output. When nil, output is kept in
	// earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the writer currently used by Printf.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf is a minimal Printf that never allocates, so it can be called before
// the allocators exist. Supported verbs:
//
//	%s  string or []byte
//	%d  base 10 integer (space padded)
//	%x  base 16 integer (zero padded)
//	%o  base 8 integer (zero padded)
//	%t  bool
//	%%  a literal percent sign
//
// A decimal width may precede the verb.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but writes to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width = 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			doWrite(w, errNoVerb)
			return
		}

		verb := format[i]
		if verb == '%' {
			writeByte(w, '%')
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		arg := args[argIndex]
		argIndex++

		switch verb {
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 'o':
			fmtInt(w, arg, 8, width)
		case 's':
			fmtString(w, arg, width)
		case 't':
			fmtBool(w, arg)
		default:
			doWrite(w, errNoVerb)
		}
	}
}

func writeByte(w io.Writer, ch byte) {
	singleByte[0] = ch
	doWrite(w, singleByte)
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		for pad := width - len(s); pad > 0; pad-- {
			writeByte(w, ' ')
		}
		// writing s[i:j] as a []byte would allocate
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		for pad := width - len(s); pad > 0; pad-- {
			writeByte(w, ' ')
		}
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt renders v in the requested base, right aligned to width. Base 10 is
// padded with spaces, other bases with zeroes.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		uval     uint64
		negative bool
	)

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		negative, uval = t < 0, abs(int64(t))
	case int16:
		negative, uval = t < 0, abs(int64(t))
	case int32:
		negative, uval = t < 0, abs(int64(t))
	case int64:
		negative, uval = t < 0, abs(t)
	case int:
		negative, uval = t < 0, abs(int64(t))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width >= numBufSize {
		width = numBufSize - 1
	}

	// digits are produced right to left
	pos := numBufSize
	for {
		pos--
		numBuf[pos] = hexDigits[uval%base]
		uval /= base
		if uval == 0 {
			break
		}
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	digits := numBufSize - pos
	if negative {
		digits++
	}

	if negative && padCh == ' ' {
		pos--
		numBuf[pos] = '-'
	}
	for ; digits < width && pos > 1; digits++ {
		pos--
		numBuf[pos] = padCh
	}
	if negative && padCh == '0' {
		pos--
		numBuf[pos] = '-'
	}

	doWrite(w, numBuf[pos:])
}

func abs(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// doWrite hides p from escape analysis. Without it the compiler flags p as
// escaping through the io.Writer call and every Printf would allocate.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
