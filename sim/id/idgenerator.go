// Package id generates identifiers for tasks, requests and trace records.
package id

import (
	"log"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// IDGenerator can generate IDs.
type IDGenerator interface {
	Generate() string
}

var (
	generatorMu       sync.Mutex
	generator         IDGenerator
	generatorSelected bool
)

// UseSequentialIDGenerator makes Generate return deterministic, increasing
// decimal IDs. It must be called before the first ID is generated.
func UseSequentialIDGenerator() {
	selectGenerator(&sequentialIDGenerator{})
}

// UseParallelIDGenerator makes Generate return globally unique IDs that do not
// depend on the order of generation. It must be called before the first ID is
// generated.
func UseParallelIDGenerator() {
	selectGenerator(parallelIDGenerator{})
}

func selectGenerator(g IDGenerator) {
	generatorMu.Lock()
	defer generatorMu.Unlock()

	if generatorSelected {
		log.Panic("cannot change id generator type after using it")
	}

	generator = g
	generatorSelected = true
}

// NewIDGenerator returns a fresh sequential generator that is independent of
// the package-level one.
func NewIDGenerator() IDGenerator {
	return &sequentialIDGenerator{}
}

// Generate returns an ID from the package-level generator. The sequential
// generator is selected if none was chosen explicitly.
func Generate() string {
	generatorMu.Lock()
	if !generatorSelected {
		generator = &sequentialIDGenerator{}
		generatorSelected = true
	}
	g := generator
	generatorMu.Unlock()

	return g.Generate()
}

type sequentialIDGenerator struct {
	nextID uint64
}

func (g *sequentialIDGenerator) Generate() string {
	idNumber := atomic.AddUint64(&g.nextID, 1)

	return strconv.FormatUint(idNumber, 10)
}

type parallelIDGenerator struct{}

func (parallelIDGenerator) Generate() string {
	return xid.New().String()
}
