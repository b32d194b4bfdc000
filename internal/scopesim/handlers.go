package scopesim

import (
	"encoding/binary"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/chronologos/scopelink/internal/protocol"
)

func (s *Server) registerDefaults() {
	h := map[protocol.Command]Handler{
		protocol.CmdGetXY:          s.handleGetXY,
		protocol.CmdGetZ:           s.handleGetZ,
		protocol.CmdGetR:           s.handleGetR,
		protocol.CmdGetFOV:         s.handleGetFOV,
		protocol.CmdMove:           s.handleMove,
		protocol.CmdMoveZ:          s.handleMoveZ,
		protocol.CmdMoveR:          s.handleMoveR,
		protocol.CmdGetFrame:       s.handleGetFrame,
		protocol.CmdStatus:         s.handleStatus,
		protocol.CmdProgress:       s.handleProgress,
		protocol.CmdCancel:         s.handleCancel,
		protocol.CmdReqManualFocus: s.handleReqManualFocus,
		protocol.CmdAckManualFocus: s.handleResolveManualFocus,
		protocol.CmdSkipAutofocus:  s.handleResolveManualFocus,
		protocol.CmdAcquire:        s.handleAcquire,
		protocol.CmdBackground:     s.handleBackground,
		protocol.CmdTestAutofocus:  s.handleAutofocus,
		protocol.CmdTestAdaptiveAF: s.handleAutofocus,
		protocol.CmdAFBenchmark:    s.handleBenchmark,
		protocol.CmdPolarizerCal:   s.handlePolarizer,
		protocol.CmdBirefringence:  s.handleBirefringence,
		protocol.CmdWhiteBalance:   s.handleWhiteBalance,
		protocol.CmdWhiteBalancePP: s.handleWhiteBalance,
		protocol.CmdSunburstCal:    s.handleSunburst,
	}
	for cmd, fn := range h {
		s.handlers[cmd] = fn
	}
}

// --- Stage ---

func (s *Server) handleGetXY(req *Request) error {
	s.mu.Lock()
	x, y := s.stage.x, s.stage.y
	s.mu.Unlock()
	return req.Write(protocol.EncodeXY(x, y))
}

func (s *Server) handleGetZ(req *Request) error {
	s.mu.Lock()
	z := s.stage.z
	s.mu.Unlock()
	return req.Write(protocol.EncodeFloat(z))
}

func (s *Server) handleGetR(req *Request) error {
	s.mu.Lock()
	r := s.stage.r
	s.mu.Unlock()
	return req.Write(protocol.EncodeFloat(r))
}

func (s *Server) handleGetFOV(req *Request) error {
	return req.Write(protocol.EncodeXY(s.cfg.FOVWidth, s.cfg.FOVHeight))
}

func (s *Server) handleMove(req *Request) error {
	x, y, err := protocol.DecodeXY(req.Payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stage.x, s.stage.y = x, y
	s.mu.Unlock()
	return req.Ack()
}

func (s *Server) handleMoveZ(req *Request) error {
	z, err := protocol.DecodeFloat(req.Payload)
	if err != nil {
		return err
	}
	if z < s.cfg.ZMin || z > s.cfg.ZMax {
		return req.Sentinel(protocol.SafetyPrefix,
			fmt.Sprintf("z %.2f outside safe range [%.2f, %.2f]", z, s.cfg.ZMin, s.cfg.ZMax))
	}
	s.mu.Lock()
	s.stage.z = z
	s.mu.Unlock()
	return req.Ack()
}

func (s *Server) handleMoveR(req *Request) error {
	r, err := protocol.DecodeFloat(req.Payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stage.r = r
	s.mu.Unlock()
	return req.Ack()
}

// handleGetFrame returns a synthetic RGB8 gradient.
func (s *Server) handleGetFrame(req *Request) error {
	h := protocol.FrameHeader{
		Width:    s.cfg.FrameWidth,
		Height:   s.cfg.FrameHeight,
		Channels: 3,
		BitDepth: 8,
	}
	pix := make([]byte, int(h.Width*h.Height*h.Channels))
	for i := range pix {
		pix[i] = byte(i)
	}
	if err := req.Write(protocol.EncodeFrameHeader(h)); err != nil {
		return err
	}
	return req.WriteBlob(pix)
}

// --- Acquisition control ---

func (s *Server) handleStatus(req *Request) error {
	s.mu.Lock()
	s.acq.advance(time.Now())
	state := s.acq.state
	detail, hasDetail := s.acq.statusDetail()
	s.mu.Unlock()

	if err := req.Write(protocol.EncodeStatusWord(state)); err != nil {
		return err
	}
	if hasDetail {
		return req.WriteString(detail)
	}
	return nil
}

func (s *Server) handleProgress(req *Request) error {
	now := time.Now()
	s.mu.Lock()
	s.acq.advance(now)
	p := s.acq.progress(now)
	s.mu.Unlock()
	return req.Write(protocol.EncodeProgress(p))
}

func (s *Server) handleCancel(req *Request) error {
	s.mu.Lock()
	s.acq.cancel(time.Now())
	s.mu.Unlock()
	return req.Ack()
}

func (s *Server) handleReqManualFocus(req *Request) error {
	s.mu.Lock()
	s.acq.advance(time.Now())
	mf := s.acq.manualFocus()
	s.mu.Unlock()
	return req.Write(protocol.EncodeManualFocus(mf))
}

func (s *Server) handleResolveManualFocus(req *Request) error {
	s.mu.Lock()
	s.acq.resolveManualFocus(time.Now())
	s.mu.Unlock()
	return req.Ack()
}

func (s *Server) handleAcquire(req *Request) error {
	s.mu.Lock()
	busy := s.acq.active()
	if !busy {
		s.acq.start(time.Now(), req.Params)
	}
	s.mu.Unlock()

	if busy {
		return req.Write(protocol.PadWord("BUSY", protocol.AcquireAckSize))
	}
	s.log.Info("acquisition started", "params", req.Params)
	return req.Write(protocol.PadWord("STARTED", protocol.AcquireAckSize))
}

// --- Free-form routines ---

// stream emits STARTED, one PROGRESS per step, then SUCCESS.
func stream(req *Request, steps int, label string, success string) error {
	if err := req.Envelope(protocol.EnvStarted, ""); err != nil {
		return err
	}
	for i := 1; i <= steps; i++ {
		msg := ""
		if label != "" {
			msg = fmt.Sprintf("%s %d", label, i)
		}
		if err := req.Progress(i, steps, msg); err != nil {
			return err
		}
	}
	return req.Envelope(protocol.EnvSuccess, success)
}

func (r *Request) outputDir(def string) string {
	if v, ok := r.Param("output"); ok && v != "" {
		return v
	}
	return def
}

func (s *Server) handleBackground(req *Request) error {
	angles := []float64{90}
	if v, ok := req.Param("angles"); ok {
		if parsed := parseFloatList(v); len(parsed) > 0 {
			angles = parsed
		}
	}
	items := []string{req.outputDir("/sim/background")}
	for i, a := range angles {
		items = append(items, protocol.FormatFloat(a)+":"+protocol.FormatFloat(float64(10*(i+1))))
	}
	return stream(req, len(angles), "angle", strings.Join(items, "|"))
}

func (s *Server) handleAutofocus(req *Request) error {
	s.mu.Lock()
	initial := s.stage.z
	final := initial + 1.5
	s.stage.z = final
	s.mu.Unlock()

	payload := fmt.Sprintf("initial_z:%s|final_z:%s|z_shift:%s|message:converged",
		protocol.FormatFloat(initial), protocol.FormatFloat(final), protocol.FormatFloat(final-initial))
	return stream(req, 3, "focus pass", payload)
}

func (s *Server) handleBenchmark(req *Request) error {
	trials := 5
	if v, ok := req.Param("trials"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			trials = n
		}
	}
	payload := fmt.Sprintf("%s|trials:%d|success_rate:0.8", req.outputDir("/sim/benchmark"), trials)
	return stream(req, trials, "trial", payload)
}

// handlePolarizer asks for a stage move before calibrating.
func (s *Server) handlePolarizer(req *Request) error {
	if err := req.Envelope(protocol.EnvStarted, ""); err != nil {
		return err
	}
	ok, err := req.StageMove("move stage to calibration slide")
	if err != nil {
		return err
	}
	if !ok {
		return req.Envelope(protocol.EnvFailed, "stage move declined")
	}
	for i := 1; i <= 4; i++ {
		if err := req.Progress(i, 4, ""); err != nil {
			return err
		}
	}
	report := path.Join(req.outputDir("/sim/polarizer"), "polarizer_calibration.txt")
	return req.Envelope(protocol.EnvSuccess, report+"|offset:3.5")
}

func (s *Server) handleBirefringence(req *Request) error {
	return stream(req, 5, "angle", req.outputDir("/sim/birefringence")+"|optimal_angle:7|contrast:0.42")
}

func (s *Server) handleWhiteBalance(req *Request) error {
	return stream(req, 3, "iteration", req.outputDir("/sim/white_balance")+"|r:12.5|g:10|b:14.25")
}

func (s *Server) handleSunburst(req *Request) error {
	file := path.Join(req.outputDir("/sim/sunburst"), "sunburst.json")
	return stream(req, 2, "", file+"|r_squared:0.998")
}

// WriteBlob writes a u32 length-prefixed byte slice.
func (r *Request) WriteBlob(b []byte) error {
	var hdr [protocol.LengthSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if err := r.Write(hdr[:]); err != nil {
		return err
	}
	return r.Write(b)
}

func parseFloatList(s string) []float64 {
	s = strings.Trim(strings.TrimSpace(s), "()")
	var out []float64
	for _, part := range strings.Split(s, ",") {
		if v, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
