// Package fileassembler implements the client-side reassembly of an
// incoming file stream from FileMetadata/FileChunk messages, plus an
// optional background worker pool that renders completed image streams
// to ASCII art.
package fileassembler

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spitfire4040/chatcore/internal/metrics"
	"github.com/spitfire4040/chatcore/internal/protocol"
)

// imageExtensions names the file extensions eligible for auto-ASCII
// rendering, matching the teacher's image-stream naming convention.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

type activeStream struct {
	file     *os.File
	size     uint64
	written  uint64
	filename string
	from     protocol.User
}

// RenderedImage is the result of an auto-ASCII background render.
type RenderedImage struct {
	Cache string
	From  protocol.User
}

// Assembler owns every in-flight file stream for one client connection.
// It is not safe for concurrent use; its caller (cmd/client's main loop)
// drives it from a single goroutine, the same discipline the Manager and
// Persistence actors apply to their own owned state.
type Assembler struct {
	dir       string
	autoASCII bool
	log       *zap.Logger

	streams map[uuid.UUID]*activeStream
	pool    *renderPool
}

// New creates an Assembler rooted at dir. If autoASCII is set, completed
// image streams are queued for background ASCII rendering and delivered
// on the returned channel.
func New(dir string, autoASCII bool, renderWorkers int, log *zap.Logger) (*Assembler, <-chan RenderedImage) {
	if log == nil {
		log = zap.NewNop()
	}
	out := make(chan RenderedImage, 16)
	return &Assembler{
		dir:       dir,
		autoASCII: autoASCII,
		log:       log.Named("fileassembler"),
		streams:   make(map[uuid.UUID]*activeStream),
		pool:      newRenderPool(renderWorkers, out, log),
	}, out
}

// Close stops the background render pool.
func (a *Assembler) Close() {
	a.pool.stop()
}

// HandleMetadata creates the destination file and begins tracking a new
// stream keyed by msg.StreamID.
func (a *Assembler) HandleMetadata(msg protocol.FileMetadataMsg) error {
	path := filepath.Join(a.dir, filepath.FromSlash(msg.Filename))
	if parent := filepath.Dir(path); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("fileassembler: create parent dir: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("fileassembler: create file: %w", err)
	}

	a.streams[msg.StreamID] = &activeStream{
		file:     f,
		size:     msg.Size,
		filename: path,
		from:     msg.From,
	}
	return nil
}

// HandleChunk writes the truncated prefix of msg.Data that still fits
// within the stream's declared size, per bytesToWrite = min(len(data),
// size-written). Chunks for an unknown stream_id are ignored.
func (a *Assembler) HandleChunk(msg protocol.FileChunkMsg) error {
	stream, ok := a.streams[msg.StreamID]
	if !ok {
		return nil
	}

	remaining := stream.size - stream.written
	bytesToWrite := uint64(len(msg.Data))
	if remaining < bytesToWrite {
		bytesToWrite = remaining
	}

	if bytesToWrite > 0 {
		if _, err := stream.file.Write(msg.Data[:bytesToWrite]); err != nil {
			return fmt.Errorf("fileassembler: write chunk: %w", err)
		}
		stream.written += bytesToWrite
	}

	if stream.written == stream.size {
		return a.completeStream(msg.StreamID, stream)
	}
	return nil
}

func (a *Assembler) completeStream(streamID uuid.UUID, stream *activeStream) error {
	if err := stream.file.Close(); err != nil {
		return fmt.Errorf("fileassembler: close completed stream: %w", err)
	}
	delete(a.streams, streamID)
	metrics.FileStreamsCompleted.Inc()

	if a.autoASCII && imageExtensions[strings.ToLower(filepath.Ext(stream.filename))] {
		a.pool.submit(renderJob{path: stream.filename, from: stream.from})
	}
	return nil
}

// ---------------------------------------------------------------------------
// background ASCII-art render pool
// ---------------------------------------------------------------------------

type renderJob struct {
	path string
	from protocol.User
}

// renderPool runs completed-image-to-ASCII conversions off the
// Assembler caller's goroutine, generalizing the teacher's persistence
// workerPool from "save a message" jobs to "render an image" jobs.
type renderPool struct {
	jobs chan renderJob
	out  chan<- RenderedImage
	wg   sync.WaitGroup
	log  *zap.Logger
}

func newRenderPool(n int, out chan<- RenderedImage, log *zap.Logger) *renderPool {
	if n <= 0 {
		n = 1
	}
	p := &renderPool{
		jobs: make(chan renderJob, 64),
		out:  out,
		log:  log,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				p.render(job)
			}
		}()
	}
	return p
}

func (p *renderPool) submit(job renderJob) {
	select {
	case p.jobs <- job:
	default:
		p.log.Warn("render queue full, image dropped", zap.String("path", job.path))
	}
}

func (p *renderPool) stop() {
	close(p.jobs)
	p.wg.Wait()
}

const asciiRamp = "@%#*+=-:. "

func (p *renderPool) render(job renderJob) {
	f, err := os.Open(job.path)
	if err != nil {
		p.log.Warn("open image for ascii render", zap.Error(err))
		return
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		p.log.Warn("decode image for ascii render", zap.Error(err))
		return
	}

	cache := toASCII(img, 80, 40)
	select {
	case p.out <- RenderedImage{Cache: cache, From: job.from}:
	default:
		p.log.Warn("ascii render output channel full, dropping result")
	}
}

// toASCII renders img to cols x rows of ASCII art via nearest-neighbour
// sampling and a fixed brightness ramp; there is no third-party image
// library in the dependency pack, so this is implemented directly over
// image.Image.
func toASCII(img image.Image, cols, rows int) string {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return ""
	}

	var b strings.Builder
	for row := 0; row < rows; row++ {
		srcY := bounds.Min.Y + row*height/rows
		for col := 0; col < cols; col++ {
			srcX := bounds.Min.X + col*width/cols
			r, g, bl, _ := img.At(srcX, srcY).RGBA()
			lum := (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 65535.0
			idx := int(lum * float64(len(asciiRamp)-1))
			b.WriteByte(asciiRamp[len(asciiRamp)-1-idx])
		}
		b.WriteByte('\n')
	}
	return b.String()
}
