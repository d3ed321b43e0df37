package energy

import (
	"errors"
	"math"
	"testing"

	"github.com/lumi-journal/lumi/pkg/provider/vad"
	"github.com/lumi-journal/lumi/pkg/types"
)

func sineFrame(freq, amp float64, samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/DefaultSampleRate))
		out[2*i] = byte(v)
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}

func newSession(t *testing.T) *Session {
	t.Helper()
	h, err := New().NewSession(vad.Config{})
	if err != nil {
		t.Fatalf("NewSession() error: %v", err)
	}
	return h.(*Session)
}

func TestSession_TwoFactorGate(t *testing.T) {
	t.Parallel()

	const n = DefaultSampleRate * DefaultFrameSizeMs / 1000
	tests := []struct {
		name       string
		frame      []byte
		wantSpeech bool
	}{
		{"silence", make([]byte, n*2), false},
		{"voice band tone", sineFrame(1000, 0.25, n), true},
		{"quiet voice band tone", sineFrame(1000, 0.002, n), false},
		{"low hum passes rms only", sineFrame(60, 0.25, n), false},
		{"high whistle passes rms only", sineFrame(6000, 0.25, n), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t)
			ev, err := s.ProcessFrame(tt.frame)
			if err != nil {
				t.Fatalf("ProcessFrame() error: %v", err)
			}
			if got := ev.Type.IsSpeech(); got != tt.wantSpeech {
				f := s.Analyze(tt.frame)
				t.Errorf("speech = %v, want %v (rms=%g band=%g)", got, tt.wantSpeech, f.RMS, f.Band)
			}
		})
	}
}

func TestSession_HumExceedsRMSButNotBand(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	f := s.Analyze(sineFrame(60, 0.25, 800))
	if f.RMS <= DefaultRMSThreshold {
		t.Errorf("RMS = %g, want above %g", f.RMS, DefaultRMSThreshold)
	}
	if f.Band >= DefaultBandThreshold {
		t.Errorf("Band = %g, want below %g", f.Band, DefaultBandThreshold)
	}
}

func TestSession_EventSequence(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	speech := sineFrame(800, 0.3, 800)
	silence := make([]byte, 1600)

	want := []types.VADEventType{types.VADSpeechStart, types.VADSpeechContinue, types.VADSpeechEnd, types.VADSilence}
	frames := [][]byte{speech, speech, silence, silence}
	for i, fr := range frames {
		ev, err := s.ProcessFrame(fr)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if ev.Type != want[i] {
			t.Errorf("frame %d: type = %v, want %v", i, ev.Type, want[i])
		}
	}

	s.ProcessFrame(speech)
	s.Reset()
	if ev, _ := s.ProcessFrame(speech); ev.Type != types.VADSpeechStart {
		t.Errorf("after Reset type = %v, want SpeechStart", ev.Type)
	}
}

func TestSession_FrameSize(t *testing.T) {
	t.Parallel()

	s := newSession(t)
	if _, err := s.ProcessFrame(make([]byte, 10)); !errors.Is(err, vad.ErrFrameSize) {
		t.Errorf("error = %v, want ErrFrameSize", err)
	}
	_ = s.Close()
	if _, err := s.ProcessFrame(make([]byte, 1600)); err == nil {
		t.Error("ProcessFrame after Close should fail")
	}
}

func TestEngine_RejectsBadBand(t *testing.T) {
	t.Parallel()

	_, err := New().NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 50, BandLowHz: 3000, BandHighHz: 1000})
	if err == nil {
		t.Fatal("expected error for inverted band")
	}
}

func TestFFT_ImpulseIsFlat(t *testing.T) {
	t.Parallel()

	a := make([]complex128, 8)
	a[0] = 1
	fft(a)
	for i, v := range a {
		if math.Abs(real(v)-1) > 1e-9 || math.Abs(imag(v)) > 1e-9 {
			t.Errorf("bin %d = %v, want 1", i, v)
		}
	}
}
