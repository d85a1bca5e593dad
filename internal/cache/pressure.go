package cache

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// MemoryReader 抽象 "当前进程驻留内存" 采样，便于跨平台替换与测试注入。
type MemoryReader interface {
	CurrentUsage() (int64, error)
}

// processMemoryReader 通过 gopsutil 读取本进程 RSS。
type processMemoryReader struct {
	proc *process.Process
}

// NewProcessMemoryReader 构建面向当前进程的 MemoryReader。
func NewProcessMemoryReader() (MemoryReader, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("resolve current process: %w", err)
	}
	return &processMemoryReader{proc: proc}, nil
}

func (r *processMemoryReader) CurrentUsage() (int64, error) {
	info, err := r.proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("read process memory: %w", err)
	}
	return int64(info.RSS), nil
}

// PressureBand 表示内存压力档位。
type PressureBand int

const (
	BandNone PressureBand = iota
	BandModerate
	BandHigh
	BandExtreme
)

// 压力档位的占用率边界，区间左闭右开。
const (
	moderateRatio = 0.70
	highRatio     = 0.85
	extremeRatio  = 0.95
)

func (b PressureBand) String() string {
	switch b {
	case BandNone:
		return "none"
	case BandModerate:
		return "moderate"
	case BandHigh:
		return "high"
	case BandExtreme:
		return "extreme"
	default:
		return "unknown"
	}
}

// EvictionFraction 返回该档位应淘汰的最低分条目比例。
func (b PressureBand) EvictionFraction() float64 {
	switch b {
	case BandModerate:
		return 0.20
	case BandHigh:
		return 0.50
	case BandExtreme:
		return 1.0
	default:
		return 0
	}
}

// ClassifyPressure 按 使用量/预算 比例划分压力档位。
func ClassifyPressure(usage, budget int64) PressureBand {
	if budget <= 0 {
		return BandNone
	}
	ratio := float64(usage) / float64(budget)
	switch {
	case ratio >= extremeRatio:
		return BandExtreme
	case ratio >= highRatio:
		return BandHigh
	case ratio >= moderateRatio:
		return BandModerate
	default:
		return BandNone
	}
}

// EngineState 表示缓存实例级的压力状态机状态。
type EngineState int

const (
	StateNormal EngineState = iota
	StateAggressiveCleanup
	StateRecovering
)

func (s EngineState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateAggressiveCleanup:
		return "aggressive_cleanup"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// 冷却与恢复窗口。激进清理后 30 秒内拒绝新的缩略图写入，
// 60 秒后容量恢复到名义值的一半，绝不瞬间回满。
const (
	DefaultCooldownWindow = 30 * time.Second
	DefaultRecoveryDelay  = 60 * time.Second
	RecoveryFraction      = 0.5
)

// Monitor 采样驻留内存、划分压力档位并维护冷却/恢复状态机。
// 状态转移只由压力事件与时间驱动，外部仅能通过 Reset 复位。
type Monitor struct {
	mu     sync.Mutex
	reader MemoryReader
	budget int64
	now    func() time.Time

	cooldownWindow time.Duration
	recoveryDelay  time.Duration

	pressureUntil time.Time
	recoverAt     time.Time
	state         EngineState
}

// MonitorOptions 允许测试注入时钟与窗口时长。
type MonitorOptions struct {
	Clock          func() time.Time
	CooldownWindow time.Duration
	RecoveryDelay  time.Duration
}

// NewMonitor 构建压力监视器。budget 为字节预算。
func NewMonitor(reader MemoryReader, budget int64, opts MonitorOptions) *Monitor {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.CooldownWindow <= 0 {
		opts.CooldownWindow = DefaultCooldownWindow
	}
	if opts.RecoveryDelay <= 0 {
		opts.RecoveryDelay = DefaultRecoveryDelay
	}
	return &Monitor{
		reader:         reader,
		budget:         budget,
		now:            opts.Clock,
		cooldownWindow: opts.CooldownWindow,
		recoveryDelay:  opts.RecoveryDelay,
		state:          StateNormal,
	}
}

// Sample 读取当前驻留内存并返回 (使用量, 压力档位)。读数失败视为无压力。
func (m *Monitor) Sample() (int64, PressureBand) {
	usage, err := m.reader.CurrentUsage()
	if err != nil {
		return 0, BandNone
	}
	m.mu.Lock()
	budget := m.budget
	m.mu.Unlock()
	return usage, ClassifyPressure(usage, budget)
}

// Usage 只返回当前驻留内存字节数，读数失败时为 0。
func (m *Monitor) Usage() int64 {
	usage, err := m.reader.CurrentUsage()
	if err != nil {
		return 0
	}
	return usage
}

// UnderPressure 表示是否处于激进清理后的冷却窗口内。
func (m *Monitor) UnderPressure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked()
	return m.now().Before(m.pressureUntil)
}

// MarkAggressiveCleanup 记录一次激进清理：
// 打开冷却闸门并进入 AggressiveCleanup 状态，登记恢复时刻。
func (m *Monitor) MarkAggressiveCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.now()
	m.pressureUntil = ts.Add(m.cooldownWindow)
	m.recoverAt = ts.Add(m.recoveryDelay)
	m.state = StateAggressiveCleanup
}

// State 返回当前状态机状态，惰性完成时间驱动的状态转移。
func (m *Monitor) State() EngineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked()
	return m.state
}

// RecoveryDue 表示恢复时刻是否已到；到达后由调用方恢复部分容量。
func (m *Monitor) RecoveryDue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked()
	return m.state == StateNormal && !m.recoverAt.IsZero()
}

// AcknowledgeRecovery 在容量恢复完成后清除恢复登记。
func (m *Monitor) AcknowledgeRecovery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoverAt = time.Time{}
}

// SetBudget 运行时更新预算。
func (m *Monitor) SetBudget(budget int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budget = budget
}

// Reset 无条件回到 Normal，清空冷却与恢复登记；clear() 的逃生通道。
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateNormal
	m.pressureUntil = time.Time{}
	m.recoverAt = time.Time{}
}

// advanceLocked 按时间完成 AggressiveCleanup → Recovering → Normal 的转移。
func (m *Monitor) advanceLocked() {
	ts := m.now()
	switch m.state {
	case StateAggressiveCleanup:
		if !ts.Before(m.pressureUntil) {
			m.state = StateRecovering
		}
		if !ts.Before(m.recoverAt) {
			m.state = StateNormal
		}
	case StateRecovering:
		if !ts.Before(m.recoverAt) {
			m.state = StateNormal
		}
	}
}
