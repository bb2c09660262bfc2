package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/process"
)

// orderRecord is the minimal per-order lifecycle trace the readiness
// checklist needs: stage timestamps plus the terminal outcome.
type orderRecord struct {
	symbol        string
	simulatedAt   time.Time
	submittedAt   time.Time
	filledAt      time.Time
	rejected      bool
	rejectionRule string
}

// Thresholds configures the pre-live checklist.
type Thresholds struct {
	MinOrdersSimulated int
	MinOrdersSubmitted int
	MaxRejectRate      float64
	MinDiskHeadroomPct float64
	MinFDHeadroom      uint64
}

// DefaultThresholds returns the default pre-live checklist thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinOrdersSimulated: 200,
		MinOrdersSubmitted: 50,
		MaxRejectRate:      0.20,
		MinDiskHeadroomPct: 10,
		MinFDHeadroom:      256,
	}
}

// Statistics tracks per-order lifecycle events during paper trading and
// evaluates the pre-live readiness checklist.
type Statistics struct {
	mu         sync.Mutex
	orders     map[string]*orderRecord
	thresholds Thresholds
	dataDir    string
	nowFunc    func() time.Time
}

// NewStatistics constructs a Statistics collector. dataDir is consulted for
// the disk-headroom pre-live check (it should be the audit database's
// directory).
func NewStatistics(dataDir string, thresholds Thresholds) *Statistics {
	return &Statistics{
		orders:     make(map[string]*orderRecord),
		thresholds: thresholds,
		dataDir:    dataDir,
		nowFunc:    time.Now,
	}
}

// SetNowFunc overrides the clock; used by tests.
func (s *Statistics) SetNowFunc(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = now
}

func (s *Statistics) record(proposalID string) *orderRecord {
	rec, ok := s.orders[proposalID]
	if !ok {
		rec = &orderRecord{}
		s.orders[proposalID] = rec
	}
	return rec
}

// RecordSimulated marks proposalID as having produced a successful
// simulation for symbol.
func (s *Statistics) RecordSimulated(proposalID, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(proposalID)
	rec.symbol = symbol
	rec.simulatedAt = s.nowFunc().UTC()
}

// RecordSubmitted marks proposalID as having been handed to the broker.
func (s *Statistics) RecordSubmitted(proposalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(proposalID).submittedAt = s.nowFunc().UTC()
}

// RecordFilled marks proposalID as FILLED.
func (s *Statistics) RecordFilled(proposalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(proposalID).filledAt = s.nowFunc().UTC()
}

// RecordRejected marks proposalID as rejected at any stage (risk gate,
// human denial, or broker), tagged with the originating rule or reason.
func (s *Statistics) RecordRejected(proposalID, rule string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(proposalID)
	rec.rejected = true
	rec.rejectionRule = rule
}

// Summary is the aggregate order-outcome view.
type Summary struct {
	TotalOrders        int
	SuccessfulOrders   int
	RejectedOrders     int
	SuccessRate        float64
	RejectRate         float64
	RejectionBreakdown map[string]int
}

// Summary computes the current aggregate statistics.
func (s *Statistics) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := len(s.orders)
	summary := Summary{TotalOrders: total, RejectionBreakdown: map[string]int{}}
	if total == 0 {
		return summary
	}
	for _, rec := range s.orders {
		if !rec.filledAt.IsZero() {
			summary.SuccessfulOrders++
		}
		if rec.rejected {
			summary.RejectedOrders++
			rule := rec.rejectionRule
			if rule == "" {
				rule = "unknown"
			}
			summary.RejectionBreakdown[rule]++
		}
	}
	summary.SuccessRate = float64(summary.SuccessfulOrders) / float64(total)
	summary.RejectRate = float64(summary.RejectedOrders) / float64(total)
	return summary
}

// PreLiveStatus is the pre-live checklist validation result.
type PreLiveStatus struct {
	ReadyForLive bool
	ChecksPassed int
	ChecksTotal  int

	OrdersSimulatedOK    bool
	OrdersSimulatedCount int
	OrdersSubmittedOK    bool
	OrdersSubmittedCount int
	RejectRateOK         bool
	RejectRate           float64
	DiskHeadroomOK       bool
	DiskHeadroomPct      float64
	FDHeadroomOK         bool
	FDHeadroomAvailable  uint64

	BlockingIssues []string
}

// GetPreLiveStatus evaluates the pre-live checklist: order counts,
// reject rate, and disk/file-descriptor headroom for the audit store.
func (s *Statistics) GetPreLiveStatus() PreLiveStatus {
	s.mu.Lock()
	var simulatedCount, submittedCount int
	for _, rec := range s.orders {
		if !rec.simulatedAt.IsZero() {
			simulatedCount++
		}
		if !rec.submittedAt.IsZero() {
			submittedCount++
		}
	}
	s.mu.Unlock()

	summary := s.Summary()

	status := PreLiveStatus{
		OrdersSimulatedCount: simulatedCount,
		OrdersSubmittedCount: submittedCount,
		RejectRate:           summary.RejectRate,
	}
	status.OrdersSimulatedOK = simulatedCount >= s.thresholds.MinOrdersSimulated
	status.OrdersSubmittedOK = submittedCount >= s.thresholds.MinOrdersSubmitted
	status.RejectRateOK = summary.TotalOrders == 0 || summary.RejectRate <= s.thresholds.MaxRejectRate

	if usage, err := disk.Usage(s.diskPath()); err == nil {
		headroomPct := 100 - usage.UsedPercent
		status.DiskHeadroomPct = headroomPct
		status.DiskHeadroomOK = headroomPct >= s.thresholds.MinDiskHeadroomPct
	} else {
		status.BlockingIssues = append(status.BlockingIssues, fmt.Sprintf("disk headroom check failed: %v", err))
	}

	if fds, err := availableFileDescriptors(); err == nil {
		status.FDHeadroomAvailable = fds
		status.FDHeadroomOK = fds >= s.thresholds.MinFDHeadroom
	} else {
		status.BlockingIssues = append(status.BlockingIssues, fmt.Sprintf("fd headroom check failed: %v", err))
	}

	checks := []bool{status.OrdersSimulatedOK, status.OrdersSubmittedOK, status.RejectRateOK, status.DiskHeadroomOK, status.FDHeadroomOK}
	status.ChecksTotal = len(checks)
	for _, ok := range checks {
		if ok {
			status.ChecksPassed++
		}
	}
	if !status.OrdersSimulatedOK {
		status.BlockingIssues = append(status.BlockingIssues, fmt.Sprintf("only %d orders simulated, need %d", simulatedCount, s.thresholds.MinOrdersSimulated))
	}
	if !status.OrdersSubmittedOK {
		status.BlockingIssues = append(status.BlockingIssues, fmt.Sprintf("only %d orders submitted, need %d", submittedCount, s.thresholds.MinOrdersSubmitted))
	}
	if !status.RejectRateOK {
		status.BlockingIssues = append(status.BlockingIssues, fmt.Sprintf("reject rate %.2f%% exceeds max %.2f%%", summary.RejectRate*100, s.thresholds.MaxRejectRate*100))
	}
	status.ReadyForLive = status.ChecksPassed == status.ChecksTotal
	return status
}

// snapshotRecord is the on-disk shape of one order's statistics, keyed by
// proposal id in the snapshot file's map.
type snapshotRecord struct {
	Symbol        string    `json:"symbol"`
	SimulatedAt   time.Time `json:"simulated_at,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at,omitempty"`
	FilledAt      time.Time `json:"filled_at,omitempty"`
	Rejected      bool      `json:"rejected,omitempty"`
	RejectionRule string    `json:"rejection_rule,omitempty"`
}

func (s *Statistics) snapshotPath() string {
	return filepath.Join(s.diskPath(), "statistics_snapshot.json")
}

// SaveSnapshot persists the in-memory order history to a JSON file under
// dataDir for cross-restart continuity. Intended to be called periodically
// by a scheduler job, not on every record.
func (s *Statistics) SaveSnapshot() error {
	s.mu.Lock()
	snapshot := make(map[string]snapshotRecord, len(s.orders))
	for id, rec := range s.orders {
		snapshot[id] = snapshotRecord{
			Symbol:        rec.symbol,
			SimulatedAt:   rec.simulatedAt,
			SubmittedAt:   rec.submittedAt,
			FilledAt:      rec.filledAt,
			Rejected:      rec.rejected,
			RejectionRule: rec.rejectionRule,
		}
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal statistics snapshot: %w", err)
	}
	if err := os.MkdirAll(s.diskPath(), 0o755); err != nil {
		return fmt.Errorf("create statistics snapshot dir: %w", err)
	}
	if err := os.WriteFile(s.snapshotPath(), data, 0o644); err != nil {
		return fmt.Errorf("write statistics snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores order history from a previously saved snapshot. A
// missing file is not an error: the collector simply starts empty.
func (s *Statistics) LoadSnapshot() error {
	data, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read statistics snapshot: %w", err)
	}
	var snapshot map[string]snapshotRecord
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("unmarshal statistics snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range snapshot {
		s.orders[id] = &orderRecord{
			symbol:        rec.Symbol,
			simulatedAt:   rec.SimulatedAt,
			submittedAt:   rec.SubmittedAt,
			filledAt:      rec.FilledAt,
			rejected:      rec.Rejected,
			rejectionRule: rec.RejectionRule,
		}
	}
	return nil
}

func (s *Statistics) diskPath() string {
	if s.dataDir != "" {
		return s.dataDir
	}
	return "."
}

// availableFileDescriptors estimates the process's remaining file-descriptor
// headroom: the soft NOFILE rlimit minus descriptors currently open, per
// gopsutil's process.Process#NumFDs.
func availableFileDescriptors() (uint64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	openFDs, err := proc.NumFDs()
	if err != nil {
		return 0, err
	}
	var rlim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, fmt.Errorf("read RLIMIT_NOFILE: %w", err)
	}
	if rlim.Cur <= uint64(openFDs) {
		return 0, nil
	}
	return rlim.Cur - uint64(openFDs), nil
}
