package streams

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

//***************************************************************************
// Levels and Logs
//***************************************************************************

// Level defines different level warnings for giving
// log events.
type Level uint8

// constants of log levels this package respect.
// They are capitalize to ensure no naming conflict.
const (
	INFO Level = 1 << iota
	DEBUG
	WARN
	ERROR
	PANIC
)

// String implements the Stringer interface.
func (l Level) String() string {
	switch l {
	case INFO:
		return "INFO"
	case ERROR:
		return "ERROR"
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case PANIC:
		return "PANIC"
	}
	return "UNKNOWN"
}

// LogMessage defines an interface which exposes a method for retrieving
// log details for giving log item.
type LogMessage interface {
	Message() string
}

// Message implements the LogMessage interface for a plain string.
type Message string

// Message returns the string content of m.
func (m Message) Message() string {
	return string(m)
}

// Logs defines a acceptable logging interface which all elements and sub
// packages will respect and use to deliver logs for different parts and
// ops, this frees this package from specifying or locking a giving
// implementation and contaminating import paths. Implement this and pass
// in to elements that provide for it.
type Logs interface {
	Emit(Level, LogMessage)
}

//*****************************************************************
// DrainLog
//*****************************************************************

// DrainLog implements the streams.Logs interface.
type DrainLog struct{}

// Emit does nothing with provided arguments, it implements
// streams.Logs Emit method.
func (DrainLog) Emit(_ Level, _ LogMessage) {}

//*****************************************************************
// LogEvent
//*****************************************************************

var (
	comma        = []byte(",")
	colon        = []byte(":")
	space        = []byte(" ")
	openBlock    = []byte("{")
	closingBlock = []byte("}")
	doubleQuote  = []byte("\"")
	logEventPool = sync.Pool{
		New: func() interface{} {
			return &logEventImpl{content: make([]byte, 0, 512), r: 1}
		},
	}
)

// LogEvent exposes set methods for generating a safe low-allocation json log
// based on a set of messages and key-value pairs.
type LogEvent interface {
	Write() LogMessage

	Int(string, int) LogEvent
	Bool(string, bool) LogEvent
	Int64(string, int64) LogEvent
	Error(string, error) LogEvent
	String(string, string) LogEvent
	Float64(string, float64) LogEvent
	ObjectJSON(string, interface{}) LogEvent
}

// LogMsg requests allocation for a LogEvent from the internal pool returning
// a LogEvent for use which must have it's Write() method called once done.
func LogMsg(message string) LogEvent {
	event := logEventPool.Get().(*logEventImpl)
	event.reset()
	event.addQuotedString("message", message)
	event.endEntry()
	return event
}

// logEventImpl implements a efficient zero or near zero-allocation as much
// as possible, using a underline non-strict json format to transform log
// key-value pairs into a LogMessage.
//
// Each logEventImpl is retrieved from a pool and will panic if after
// release/write it is used.
type logEventImpl struct {
	r       uint32
	content []byte
}

// String adds a field name with string value.
func (l *logEventImpl) String(name string, value string) LogEvent {
	l.addQuotedString(name, value)
	l.endEntry()
	return l
}

// Error adds a field name with the message of the giving error. A nil
// error is recorded as a JSON null.
func (l *logEventImpl) Error(name string, value error) LogEvent {
	if value == nil {
		l.addString(name, "null")
		l.endEntry()
		return l
	}
	l.addQuotedString(name, value.Error())
	l.endEntry()
	return l
}

// ObjectJSON adds a field name with object value.
func (l *logEventImpl) ObjectJSON(name string, value interface{}) LogEvent {
	data, err := json.Marshal(value)
	if err != nil {
		fmt.Printf("JSON Marshalling %#v with failure: %+s\n", value, err)
		return l
	}

	l.addBytes(name, data)
	l.endEntry()
	return l
}

// Bool adds a field name with bool value.
func (l *logEventImpl) Bool(name string, value bool) LogEvent {
	l.addString(name, strconv.FormatBool(value))
	l.endEntry()
	return l
}

// Int adds a field name with int value.
func (l *logEventImpl) Int(name string, value int) LogEvent {
	l.addString(name, strconv.Itoa(value))
	l.endEntry()
	return l
}

// Int64 adds a field name with int64 value.
func (l *logEventImpl) Int64(name string, value int64) LogEvent {
	l.addString(name, strconv.FormatInt(value, 10))
	l.endEntry()
	return l
}

// Float64 adds a field name with float64 value.
func (l *logEventImpl) Float64(name string, value float64) LogEvent {
	l.addString(name, strconv.FormatFloat(value, 'E', -1, 64))
	l.endEntry()
	return l
}

// Write delivers giving log event as a generated message.
func (l *logEventImpl) Write() LogMessage {
	if l.released() {
		panic("Re-using released logEventImpl")
	}

	// remove last comma and space
	l.reduce(len(comma) + len(space))
	l.end()

	content := string(l.content)
	l.resetContent()
	l.release()
	return Message(content)
}

func (l *logEventImpl) reset() {
	atomic.StoreUint32(&l.r, 1)
	l.begin()
}

func (l *logEventImpl) reduce(d int) {
	l.content = l.content[:len(l.content)-d]
}

func (l *logEventImpl) resetContent() {
	l.content = l.content[:0]
}

func (l *logEventImpl) released() bool {
	return atomic.LoadUint32(&l.r) == 0
}

func (l *logEventImpl) release() {
	logEventPool.Put(l)
	atomic.StoreUint32(&l.r, 0)
}

func (l *logEventImpl) begin() {
	l.content = append(l.content, openBlock...)
}

func (l *logEventImpl) addQuotedString(k string, v string) {
	if l.released() {
		panic("Re-using released logEventImpl")
	}

	l.content = append(l.content, doubleQuote...)
	l.content = append(l.content, k...)
	l.content = append(l.content, doubleQuote...)
	l.content = append(l.content, colon...)
	l.content = append(l.content, space...)
	l.content = append(l.content, doubleQuote...)
	l.content = append(l.content, v...)
	l.content = append(l.content, doubleQuote...)
}

func (l *logEventImpl) addString(k string, v string) {
	if l.released() {
		panic("Re-using released logEventImpl")
	}

	l.content = append(l.content, doubleQuote...)
	l.content = append(l.content, k...)
	l.content = append(l.content, doubleQuote...)
	l.content = append(l.content, colon...)
	l.content = append(l.content, space...)
	l.content = append(l.content, v...)
}

func (l *logEventImpl) addBytes(k string, v []byte) {
	if l.released() {
		panic("Re-using released logEventImpl")
	}

	l.content = append(l.content, doubleQuote...)
	l.content = append(l.content, k...)
	l.content = append(l.content, doubleQuote...)
	l.content = append(l.content, colon...)
	l.content = append(l.content, space...)
	l.content = append(l.content, v...)
}

func (l *logEventImpl) endEntry() {
	l.content = append(l.content, comma...)
	l.content = append(l.content, space...)
}

func (l *logEventImpl) end() {
	l.content = append(l.content, closingBlock...)
}
