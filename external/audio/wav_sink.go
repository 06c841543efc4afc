package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/foxseedlab/aiscribe/internal/audio"
)

const (
	wavHeaderSize    = 44
	wavBitsPerSample = 16
)

var ErrInvalidArtifactRef = errors.New("artifact reference is outside the audio directory")

// WAVStore writes one PCM16 WAV file per session under dir.
type WAVStore struct {
	dir    string
	format audio.Format
}

func NewWAVStore(dir string, format audio.Format) *WAVStore {
	return &WAVStore{dir: dir, format: format}
}

func (s *WAVStore) NewSink(sessionID string) (audio.Sink, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	name := sessionID + ".wav"
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create wav file: %w", err)
	}
	if _, err := f.Write(make([]byte, wavHeaderSize)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("reserve wav header: %w", err)
	}
	return &wavSink{file: f, ref: name, format: s.format}, nil
}

// Remove deletes an artifact previously returned by a sink. Missing files
// are not an error.
func (s *WAVStore) Remove(ref string) error {
	if ref == "" {
		return nil
	}
	if ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidArtifactRef, ref)
	}
	err := os.Remove(filepath.Join(s.dir, ref))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

type wavSink struct {
	mu        sync.Mutex
	file      *os.File
	ref       string
	format    audio.Format
	dataBytes uint32
	closed    bool
}

func (w *wavSink) Write(chunk audio.Chunk) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	n, err := w.file.Write(chunk.Payload)
	w.dataBytes += uint32(n)
	return err
}

// Close patches the header with the final data size. A session that never
// wrote audio leaves no file behind.
func (w *wavSink) Close() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", nil
	}
	w.closed = true
	if w.dataBytes == 0 {
		path := w.file.Name()
		err := w.file.Close()
		return "", errors.Join(err, os.Remove(path))
	}
	if _, err := w.file.WriteAt(wavHeader(w.format, w.dataBytes), 0); err != nil {
		_ = w.file.Close()
		return "", fmt.Errorf("write wav header: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}
	return w.ref, nil
}

func wavHeader(format audio.Format, dataBytes uint32) []byte {
	blockAlign := uint16(format.Channels * wavBitsPerSample / 8)
	byteRate := uint32(format.SampleRate) * uint32(blockAlign)

	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 36+dataBytes)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1)
	binary.LittleEndian.PutUint16(h[22:24], uint16(format.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], byteRate)
	binary.LittleEndian.PutUint16(h[32:34], blockAlign)
	binary.LittleEndian.PutUint16(h[34:36], wavBitsPerSample)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataBytes)
	return h
}
