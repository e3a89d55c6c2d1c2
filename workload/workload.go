// Package workload drives a server with synthetic processes that write and
// read back their pages, so that paging can be exercised and checked end to
// end.
package workload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/vm"
	"github.com/sarchlab/vmserver/proc"
	"github.com/sarchlab/vmserver/server"
)

// ErrMismatch reports a page that did not read back what was last written.
var ErrMismatch = errors.New("workload: page content mismatch")

const stampSize = 16

// Config shapes a workload.
type Config struct {
	Processes  int
	Pages      int
	Rounds     int
	WriteRatio float64
	Seed       int64
}

// DefaultConfig returns a small workload that overcommits a default server.
func DefaultConfig() Config {
	return Config{
		Processes:  4,
		Pages:      384,
		Rounds:     4096,
		WriteRatio: 0.5,
		Seed:       1,
	}
}

// Validate checks that the workload can run.
func (c Config) Validate() error {
	switch {
	case c.Processes <= 0:
		return fmt.Errorf("workload: %d processes", c.Processes)
	case c.Pages <= 0:
		return fmt.Errorf("workload: %d pages per process", c.Pages)
	case c.Rounds < 0:
		return fmt.Errorf("workload: %d rounds", c.Rounds)
	case c.WriteRatio < 0 || c.WriteRatio > 1:
		return fmt.Errorf("workload: write ratio %g is not in [0, 1]",
			c.WriteRatio)
	}

	return nil
}

// Progress is told how many processes have started and finished.
type Progress interface {
	IncrementInProgress(amount uint64)
	MoveInProgressToFinished(amount uint64)
}

// Report summarizes a finished workload.
type Report struct {
	Processes  int
	Reads      uint64
	Writes     uint64
	Mismatches uint64
	Exited     int
	Killed     int
	Statuses   map[vm.PID]proc.ExitStatus
}

// A Runner spawns the processes of a workload and a supervisor that waits
// for all of them.
type Runner struct {
	srv      *server.Server
	config   Config
	progress Progress
	logger   *slog.Logger

	report Report
}

// NewRunner creates a Runner. progress may be nil.
func NewRunner(
	srv *server.Server,
	config Config,
	progress Progress,
	logger *slog.Logger,
) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		srv:      srv,
		config:   config,
		progress: progress,
		logger:   logger.With("component", "Workload"),
		report: Report{
			Statuses: make(map[vm.PID]proc.ExitStatus),
		},
	}, nil
}

// Start spawns the workers and their supervisor. The work happens when the
// server's engine runs.
func (r *Runner) Start() error {
	pids := make([]vm.PID, 0, r.config.Processes)
	exits := make([]*coro.Future, 0, r.config.Processes)

	for i := 0; i < r.config.Processes; i++ {
		p, err := r.srv.Spawn(server.StandardLayout(
			fmt.Sprintf("worker%d", i), 1, r.config.Pages+1, 1))
		if err != nil {
			return err
		}

		rng := rand.New(rand.NewSource(r.config.Seed + int64(p.PID)))

		if _, err := r.srv.Submit(p, "main", func(t *coro.Task, p *proc.Process) error {
			return r.work(t, p, rng)
		}); err != nil {
			return err
		}

		pids = append(pids, p.PID)
		exits = append(exits, r.srv.Processes().WaitExit(p))

		if r.progress != nil {
			r.progress.IncrementInProgress(1)
		}
	}

	supervisor, err := r.srv.Spawn(server.StandardLayout("init", 1, 1, 1))
	if err != nil {
		return err
	}

	_, err = r.srv.Submit(supervisor, "wait",
		func(t *coro.Task, p *proc.Process) error {
			for i, f := range exits {
				v, err := f.Await(t)
				if err != nil {
					return err
				}

				r.record(pids[i], v.(proc.ExitStatus))
			}

			r.srv.Exit(p, 0)

			return nil
		})

	return err
}

func (r *Runner) record(pid vm.PID, st proc.ExitStatus) {
	r.report.Statuses[pid] = st

	if st.Killed {
		r.report.Killed++
		r.logger.Warn("worker killed", "pid", pid, "reason", st.Reason)
	} else {
		r.report.Exited++
	}

	if r.progress != nil {
		r.progress.MoveInProgressToFinished(1)
	}
}

// Report returns what the workload has done so far.
func (r *Runner) Report() Report {
	rep := r.report
	rep.Processes = r.config.Processes

	return rep
}

// work writes stamps into random pages and checks every read against the
// last stamp written there. A mismatch ends the process with code 1.
func (r *Runner) work(t *coro.Task, p *proc.Process, rng *rand.Rand) error {
	versions := make([]uint64, r.config.Pages)
	stamp := make([]byte, stampSize)
	got := make([]byte, stampSize)

	for round := 0; round < r.config.Rounds; round++ {
		page := rng.Intn(r.config.Pages)
		addr := stampAddr(page)

		if rng.Float64() < r.config.WriteRatio {
			versions[page]++
			encodeStamp(stamp, p.PID, page, versions[page])

			if err := r.srv.WriteUser(t, p, addr, stamp); err != nil {
				return err
			}

			r.report.Writes++

			continue
		}

		if err := r.srv.ReadUser(t, p, addr, got); err != nil {
			return err
		}

		r.report.Reads++

		if versions[page] == 0 {
			clear(stamp)
		} else {
			encodeStamp(stamp, p.PID, page, versions[page])
		}

		if string(got) != string(stamp) {
			r.report.Mismatches++
			r.logger.Error("page content mismatch", "pid", p.PID,
				"page", page, "version", versions[page])
			r.srv.Exit(p, 1)

			return fmt.Errorf("%w: pid %d page %d", ErrMismatch, p.PID, page)
		}
	}

	r.srv.Exit(p, 0)

	return nil
}

// stampAddr places each page's stamp at a different offset, so some stamps
// cross into the next page. The heap has one spare page for the last one.
func stampAddr(page int) uint64 {
	offset := uint64(page*328) % vm.PageSize
	return server.HeapBase + uint64(page)*vm.PageSize + offset
}

func encodeStamp(b []byte, pid vm.PID, page int, version uint64) {
	binary.LittleEndian.PutUint32(b[0:], uint32(pid))
	binary.LittleEndian.PutUint32(b[4:], uint32(page))
	binary.LittleEndian.PutUint64(b[8:], version)
}
