// Package monitoring serves the state of a running server over HTTP.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/vmserver/proc"
	"github.com/sarchlab/vmserver/server"
	"github.com/sarchlab/vmserver/sim/hooking"
	"github.com/sarchlab/vmserver/sim/id"
	"github.com/sarchlab/vmserver/tracing"
)

// Monitor turns a server into a web service that reports its counters,
// processes and components while the engine runs.
//
// Every read of server state happens with the engine paused, so no event
// and no task is running while a response is built.
type Monitor struct {
	srv         *server.Server
	portNumber  int
	openBrowser bool
	inflight    *tracing.InflightTracer
	components  map[string]hooking.Named

	engineLock sync.Mutex
	userPaused bool

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	httpServer *http.Server
}

// NewMonitor creates a Monitor for srv and registers its components.
func NewMonitor(srv *server.Server) *Monitor {
	m := &Monitor{
		srv:        srv,
		components: make(map[string]hooking.Named),
	}

	m.RegisterComponent(srv.Frames())
	m.RegisterComponent(srv.Pager())
	m.RegisterComponent(srv.Pager().Gate())
	m.RegisterComponent(srv.Faults())
	m.RegisterComponent(srv.Scheduler())

	return m
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser makes StartServer open the stats page in a browser.
func (m *Monitor) WithBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

// RegisterComponent adds a component whose fields can be inspected.
func (m *Monitor) RegisterComponent(c hooking.Named) {
	if _, found := m.components[c.Name()]; found {
		log.Panicf("component %s is already registered", c.Name())
	}

	m.components[c.Name()] = c
}

// RegisterInflightTracer sets the tracer whose open tasks are reported.
func (m *Monitor) RegisterInflightTracer(t *tracing.InflightTracer) {
	m.inflight = t
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        id.Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the progress report.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Handler returns the routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/pause", m.pauseEngine)
	r.HandleFunc("/api/continue", m.continueEngine)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/stats", m.stats)
	r.HandleFunc("/api/processes", m.listProcesses)
	r.HandleFunc("/api/blocked", m.listBlocked)
	r.HandleFunc("/api/inflight", m.listInflight)
	r.HandleFunc("/api/list_components", m.listComponents)
	r.HandleFunc("/api/component/{name}", m.listComponentDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	return r
}

// StartServer starts serving in the background and returns the base URL.
func (m *Monitor) StartServer() (string, error) {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	fmt.Fprintf(os.Stderr, "Monitoring %s with %s\n", m.srv.Name(), url)

	m.httpServer = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		err := m.httpServer.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			dieOnErr(err)
		}
	}()

	if m.openBrowser {
		if err := browser.OpenURL(url + "/api/stats"); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open a browser: %v\n", err)
		}
	}

	return url, nil
}

// StopServer shuts the web service down.
func (m *Monitor) StopServer(ctx context.Context) error {
	if m.httpServer == nil {
		return nil
	}

	return m.httpServer.Shutdown(ctx)
}

// inspect runs fn while no event is being handled.
func (m *Monitor) inspect(fn func()) {
	m.engineLock.Lock()
	defer m.engineLock.Unlock()

	if !m.userPaused {
		m.srv.Engine().Pause()
		defer m.srv.Engine().Continue()
	}

	fn()
}

func (m *Monitor) pauseEngine(w http.ResponseWriter, _ *http.Request) {
	m.engineLock.Lock()
	defer m.engineLock.Unlock()

	if !m.userPaused {
		m.srv.Engine().Pause()
		m.userPaused = true
	}

	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) continueEngine(w http.ResponseWriter, _ *http.Request) {
	m.engineLock.Lock()
	defer m.engineLock.Unlock()

	if m.userPaused {
		m.srv.Engine().Continue()
		m.userPaused = false
	}

	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	now := m.srv.Engine().Now()
	fmt.Fprintf(w, "{\"now\":%.10f}", now)
}

type statsRsp struct {
	server.Stats
	FaultsByClass map[string]uint64 `json:"faults_by_class"`
}

func (m *Monitor) stats(w http.ResponseWriter, _ *http.Request) {
	var rsp statsRsp

	m.inspect(func() {
		rsp.Stats = m.srv.Stats()
	})

	rsp.FaultsByClass = make(map[string]uint64, len(rsp.Faults.ByClass))
	for class, n := range rsp.Faults.ByClass {
		rsp.FaultsByClass[class.String()] = n
	}

	rsp.Faults.ByClass = nil

	writeJSON(w, rsp)
}

type processRsp struct {
	PID         uint64   `json:"pid"`
	Name        string   `json:"name"`
	State       string   `json:"state"`
	Status      string   `json:"status,omitempty"`
	ActiveTasks int      `json:"active_tasks"`
	Mapped      int      `json:"mapped"`
	Evicted     int      `json:"evicted"`
	Tables      int      `json:"tables"`
	Regions     []string `json:"regions"`
}

func (m *Monitor) listProcesses(w http.ResponseWriter, _ *http.Request) {
	var list []processRsp

	m.inspect(func() {
		for _, p := range m.srv.Processes().All() {
			rsp := processRsp{
				PID:         uint64(p.PID),
				Name:        p.Name,
				State:       p.State().String(),
				ActiveTasks: p.ActiveTasks(),
				Regions:     []string{},
			}

			if p.State() != proc.Running {
				rsp.Status = p.Status().String()
			}

			rsp.Mapped, rsp.Evicted = p.Space.Dir.Counts()
			rsp.Tables = p.Space.Dir.NumTables()

			for _, r := range p.Space.Regions.All() {
				rsp.Regions = append(rsp.Regions, r.String())
			}

			list = append(list, rsp)
		}
	})

	sort.Slice(list, func(i, j int) bool { return list[i].PID < list[j].PID })

	if list == nil {
		list = []processRsp{}
	}

	writeJSON(w, list)
}

type blockedRsp struct {
	Task      string `json:"task"`
	State     string `json:"state"`
	WaitingOn string `json:"waiting_on"`
}

func (m *Monitor) listBlocked(w http.ResponseWriter, _ *http.Request) {
	list := []blockedRsp{}

	m.inspect(func() {
		for _, t := range m.srv.Scheduler().Blocked() {
			list = append(list, blockedRsp{
				Task:      t.String(),
				State:     t.State().String(),
				WaitingOn: t.WaitingOn(),
			})
		}
	})

	writeJSON(w, list)
}

func (m *Monitor) listInflight(w http.ResponseWriter, _ *http.Request) {
	if m.inflight == nil {
		http.Error(w, "no inflight tracer registered", http.StatusNotFound)
		return
	}

	var buf bytes.Buffer

	m.inspect(func() {
		dieOnErr(m.inflight.Dump(&buf))
	})

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := w.Write(buf.Bytes())
	dieOnErr(err)
}

func (m *Monitor) listComponents(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}

	sort.Strings(names)

	writeJSON(w, names)
}

func (m *Monitor) listComponentDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	component := m.findComponentOr404(w, name)
	if component == nil {
		return
	}

	var buf bytes.Buffer

	m.inspect(func() {
		serializer := goseth.NewSerializer()
		serializer.SetRoot(component)
		serializer.SetMaxDepth(1)
		dieOnErr(serializer.Serialize(&buf))
	})

	_, err := w.Write(buf.Bytes())
	dieOnErr(err)
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	jsonString := mux.Vars(r)["json"]
	req := fieldReq{}

	if err := json.Unmarshal([]byte(jsonString), &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	component := m.findComponentOr404(w, req.CompName)
	if component == nil {
		return
	}

	var (
		buf bytes.Buffer
		err error
	)

	m.inspect(func() {
		serializer := goseth.NewSerializer()
		serializer.SetRoot(component)
		serializer.SetMaxDepth(1)

		err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
		if err == nil {
			err = serializer.Serialize(&buf)
		}
	})

	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	_, err = w.Write(buf.Bytes())
	dieOnErr(err)
}

func (m *Monitor) findComponentOr404(
	w http.ResponseWriter,
	name string,
) hooking.Named {
	component, found := m.components[name]
	if !found {
		w.WriteHeader(http.StatusNotFound)
		_, err := w.Write([]byte("Component not found"))
		dieOnErr(err)

		return nil
	}

	return component
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	bars := make([]ProgressBarState, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.State())
	}

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	}

	writeJSON(w, rsp)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration := time.Second

	if ms := r.URL.Query().Get("ms"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n <= 0 {
			http.Error(w, "ms must be a positive integer", http.StatusBadRequest)
			return
		}

		duration = time.Duration(n) * time.Millisecond
	}

	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(duration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
