package stage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/acqview/comm"
	"github.com/nasa-jpl/acqview/util"
	"github.com/tarm/serial"
)

const (
	// ESPRemoteBufferSize is the number of ASCII characters that fit in the buffer on an ESP controller.
	ESPRemoteBufferSize = 80

	espTerminator = '\r'
)

var (
	// espErrorCodes maps error codes to error strings when the errors
	// are not axis specific
	espErrorCodes = map[int]string{
		4:  "EMERGENCY STOP ACTIVATED",
		6:  "COMMAND DOES NOT EXIST",
		7:  "PARAMETER OUT OF RANGE",
		8:  "CABLE INTERLOCK ERROR",
		9:  "AXIS NUMBER OUT OF RANGE",
		27: "COMMAND NOT ALLOWED",
		37: "AXIS NUMBER MISSING",
		38: "COMMAND PARAMETER MISSING",
	}

	// espAxisErrorCodes maps the final two digits of an axis-specific
	// error code to a string.  The axis number is excluded from the key.
	espAxisErrorCodes = map[int]string{
		0:  "MOTOR TYPE NOT DEFINED",
		1:  "PARAMETER OUT OF RANGE",
		2:  "AMPLIFIER FAULT DETECTED",
		3:  "FOLLOWING ERROR THRESHOLD EXCEEDED",
		4:  "POSITIVE HARDWARE LIMIT REACHED",
		5:  "NEGATIVE HARDWARE LIMIT REACHED",
		6:  "POSITIVE SOFTWARE LIMIT REACHED",
		7:  "NEGATIVE SOFTWARE LIMIT REACHED",
		8:  "MOTOR / STAGE NOT CONNECTED",
		9:  "FEEDBACK SIGNAL FAULT DETECTED",
		10: "MAXIMUM VELOCITY EXCEEDED",
		13: "MOTOR NOT ENABLED",
		20: "HOMING ABORTED",
		30: "COMMAND NOT ALLOWED DURING HOMING",
	}
)

// ESPError is an error reported by the controller through TE?
type ESPError struct {
	Code int
	Axis int // -1 when the error is not axis specific
}

func (e ESPError) Error() string {
	if e.Axis < 0 {
		if s, ok := espErrorCodes[e.Code]; ok {
			return s
		}
		return fmt.Sprintf("ESP error %d", e.Code)
	}
	if s, ok := espAxisErrorCodes[e.Code]; ok {
		return fmt.Sprintf("AXIS %d %s", e.Axis, s)
	}
	return fmt.Sprintf("AXIS %d ESP error %d", e.Axis, e.Code)
}

// parseESPError decodes the response to TE?, e.g. "0", "7" or "104"
func parseESPError(resp string) error {
	resp = strings.TrimSpace(resp)
	code, err := strconv.Atoi(resp)
	if err != nil {
		return fmt.Errorf("malformed error number %q: %w", resp, err)
	}
	if code == 0 {
		return nil
	}
	if len(resp) > 2 {
		return ESPError{Code: code % 100, Axis: code / 100}
	}
	return ESPError{Code: code, Axis: -1}
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        19200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second}
}

// ESPController is a Newport ESP300/ESP301 style motion controller.  Any
// number of ESPAxis may share one controller.
type ESPController struct {
	pool *comm.Pool

	// PollInterval is the period at which motion done is polled when
	// waiting on a move
	PollInterval time.Duration
}

// NewESPController returns a controller at addr, a host:port or a serial device
func NewESPController(addr string, isSerial bool) *ESPController {
	var conf *serial.Config
	if isSerial {
		conf = makeSerConf(addr)
	}
	return &ESPController{
		pool:         comm.NewPool(1, 10*time.Second, comm.Maker(addr, conf)),
		PollInterval: 20 * time.Millisecond,
	}
}

// Close frees the connection to the controller
func (c *ESPController) Close() error {
	return c.pool.Close()
}

func checkLength(cmd string) error {
	if len(cmd) > ESPRemoteBufferSize-1 {
		return fmt.Errorf("command %q is longer than the %d character controller buffer", cmd, ESPRemoteBufferSize)
	}
	return nil
}

// RawCommand sends cmd to the controller and returns the response, if a
// response is expected
func (c *ESPController) RawCommand(cmd string, expectResponse bool) (string, error) {
	if err := checkLength(cmd); err != nil {
		return "", err
	}
	conn, err := c.pool.Get()
	if err != nil {
		return "", err
	}
	if !expectResponse {
		err = comm.Send(conn, []byte(cmd), espTerminator)
		if err != nil {
			c.pool.Destroy(conn)
			return "", err
		}
		c.pool.Put(conn)
		return "", nil
	}
	resp, err := comm.SendRecv(conn, []byte(cmd), espTerminator, espTerminator)
	if err != nil {
		c.pool.Destroy(conn)
		return "", err
	}
	c.pool.Put(conn)
	return strings.TrimSpace(string(resp)), nil
}

// write sends a command that produces no response, then checks the error
// register.  Both go over one connection, so no other axis's command can
// land in between.
func (c *ESPController) write(cmd string) error {
	if err := checkLength(cmd); err != nil {
		return err
	}
	conn, err := c.pool.Get()
	if err != nil {
		return err
	}
	if err = comm.Send(conn, []byte(cmd), espTerminator); err != nil {
		c.pool.Destroy(conn)
		return err
	}
	resp, err := comm.SendRecv(conn, []byte("TE?"), espTerminator, espTerminator)
	if err != nil {
		c.pool.Destroy(conn)
		return err
	}
	c.pool.Put(conn)
	return parseESPError(strings.TrimSpace(string(resp)))
}

// Axis returns an Axis for the controller axis number id, moving
// instrument axis axis
func (c *ESPController) Axis(id int, axis string, limits util.Limiter) *ESPAxis {
	return &ESPAxis{ctl: c, id: strconv.Itoa(id), axis: axis, limits: limits}
}

// ESPAxis is one axis of an ESPController
type ESPAxis struct {
	ctl    *ESPController
	id     string
	axis   string
	limits util.Limiter
}

// InstrumentAxis satisfies Axis
func (a *ESPAxis) InstrumentAxis() string {
	return a.axis
}

// LimitsMM satisfies Axis
func (a *ESPAxis) LimitsMM() util.Limiter {
	return a.limits
}

// PositionMM satisfies Axis.  An empty reply yields an empty map.
func (a *ESPAxis) PositionMM() (map[string]float64, error) {
	resp, err := a.ctl.RawCommand(a.id+"TP?", true)
	if err != nil {
		return nil, err
	}
	if resp == "" {
		return map[string]float64{}, nil
	}
	f, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return nil, fmt.Errorf("axis %s: malformed position %q: %w", a.id, resp, err)
	}
	return map[string]float64{a.axis: f}, nil
}

// MoveAbsoluteMM satisfies Axis
func (a *ESPAxis) MoveAbsoluteMM(pos float64, wait bool) error {
	if !a.limits.Check(pos) {
		return ErrOutOfLimits
	}
	err := a.ctl.write(a.id + "PA" + strconv.FormatFloat(pos, 'g', -1, 64))
	if err != nil || !wait {
		return err
	}
	return a.Wait()
}

// MotionDone returns true if the axis is not moving
func (a *ESPAxis) MotionDone() (bool, error) {
	resp, err := a.ctl.RawCommand(a.id+"MD?", true)
	if err != nil {
		return false, err
	}
	return resp == "1", nil
}

// Wait blocks until motion of the axis ceases
func (a *ESPAxis) Wait() error {
	for {
		done, err := a.MotionDone()
		if err != nil || done {
			return err
		}
		time.Sleep(a.ctl.PollInterval)
	}
}

// Halt satisfies Axis
func (a *ESPAxis) Halt() error {
	return a.ctl.write(a.id + "ST")
}

// Raw sends a raw command to the controller of the axis.  Queries, which
// contain a "?", return the controller's reply
func (a *ESPAxis) Raw(cmd string) (string, error) {
	return a.ctl.RawCommand(cmd, strings.Contains(cmd, "?"))
}
