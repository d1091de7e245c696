package ui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/doridoridoriand/linkwatch/internal/config"
	"github.com/doridoridoriand/linkwatch/internal/health"
	"github.com/doridoridoriand/linkwatch/internal/monitor"
	"github.com/doridoridoriand/linkwatch/internal/probe"
	"github.com/doridoridoriand/linkwatch/internal/reconcile"
	"github.com/doridoridoriand/linkwatch/internal/scan"
	"github.com/doridoridoriand/linkwatch/internal/series"
	"github.com/doridoridoriand/linkwatch/internal/state"
)

const (
	uiRefreshInterval = time.Second
	minBoxHeight      = 4
	detailRows        = 8
)

// Scanner starts on-demand scans. *monitor.Engine satisfies it.
type Scanner interface {
	StartScan(req scan.Request) (*scan.Handle, error)
}

// UI renders a TUI view of target status. It is a reconcile.Renderer: the engine pushes
// operations through Apply and the UI redraws from its own copy.
type UI struct {
	cfg        config.GlobalOptions
	scanner    Scanner
	classifier *health.Classifier

	mu       sync.Mutex
	targets  map[string]state.TargetStatus
	devices  map[string]map[string]probe.Device
	ports    map[string]map[string]monitor.PortRow
	selected string
	device   int
	message  string

	redraw chan struct{}
	reload chan<- struct{}
	now    func() time.Time
}

// New returns a UI instance. scanner may be nil to disable scan keys, reload nil to
// disable the reload key.
func New(cfg config.GlobalOptions, scanner Scanner, reload chan<- struct{}) *UI {
	classifier, err := health.NewClassifier(cfg.Thresholds)
	if err != nil {
		classifier, _ = health.NewClassifier(nil)
	}
	return &UI{
		cfg:        cfg,
		scanner:    scanner,
		classifier: classifier,
		targets:    make(map[string]state.TargetStatus),
		devices:    make(map[string]map[string]probe.Device),
		ports:      make(map[string]map[string]monitor.PortRow),
		redraw:     make(chan struct{}, 1),
		reload:     reload,
		now:        time.Now,
	}
}

// Apply folds a batch of render operations into the UI model.
func (u *UI) Apply(ops []reconcile.Operation) {
	u.mu.Lock()
	for _, op := range ops {
		switch {
		case op.Scope == monitor.ScopeTargets:
			applyOp(u.targets, op)
			if _, ok := u.targets[u.selected]; !ok {
				u.selected = ""
			}
		case strings.HasPrefix(op.Scope, monitor.ScopeDevices):
			id := strings.TrimPrefix(op.Scope, monitor.ScopeDevices)
			u.devices[id] = applyScoped(u.devices[id], op)
		case strings.HasPrefix(op.Scope, monitor.ScopePorts):
			id := strings.TrimPrefix(op.Scope, monitor.ScopePorts)
			u.ports[id] = applyScoped(u.ports[id], op)
		}
	}
	u.mu.Unlock()
	u.requestRedraw()
}

func applyOp[T any](m map[string]T, op reconcile.Operation) {
	switch op.Op {
	case reconcile.OpReset:
		for k := range m {
			delete(m, k)
		}
	case reconcile.OpRemove:
		delete(m, op.Key)
	case reconcile.OpCreate, reconcile.OpUpdate:
		if v, ok := op.Payload.(T); ok {
			m[op.Key] = v
		}
	}
}

func applyScoped[T any](m map[string]T, op reconcile.Operation) map[string]T {
	if m == nil {
		m = make(map[string]T)
	}
	applyOp(m, op)
	return m
}

// SetScanner enables the scan keys.
func (u *UI) SetScanner(s Scanner) {
	u.mu.Lock()
	u.scanner = s
	u.mu.Unlock()
}

func (u *UI) requestRedraw() {
	select {
	case u.redraw <- struct{}{}:
	default:
	}
}

// Run blocks until the context is cancelled or the user quits.
func (u *UI) Run(ctx context.Context) error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	screen.HideCursor()
	defer screen.Fini()
	return u.loop(ctx, screen)
}

func (u *UI) loop(ctx context.Context, screen tcell.Screen) error {
	eventCh := make(chan tcell.Event, 1)
	go func() {
		for {
			ev := screen.PollEvent()
			if ev == nil {
				return
			}
			select {
			case eventCh <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(uiRefreshInterval)
	defer ticker.Stop()

	u.render(screen)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-eventCh:
			switch ev := ev.(type) {
			case *tcell.EventKey:
				if u.handleKey(ctx, ev) {
					return context.Canceled
				}
				u.render(screen)
			case *tcell.EventResize:
				screen.Sync()
				u.render(screen)
			}
		case <-u.redraw:
			u.render(screen)
		case <-ticker.C:
			u.render(screen)
		}
	}
}

// handleKey reacts to one key press and reports whether the UI should quit.
func (u *UI) handleKey(ctx context.Context, ev *tcell.EventKey) bool {
	switch ev.Key() {
	case tcell.KeyCtrlC:
		return true
	case tcell.KeyUp:
		u.moveTarget(-1)
	case tcell.KeyDown:
		u.moveTarget(1)
	case tcell.KeyLeft:
		u.moveDevice(-1)
	case tcell.KeyRight:
		u.moveDevice(1)
	case tcell.KeyRune:
		switch ev.Rune() {
		case 'q':
			return true
		case 'k':
			u.moveTarget(-1)
		case 'j':
			u.moveTarget(1)
		case 'd':
			u.startScan(ctx, scan.KindDeviceDiscovery)
		case 'p':
			u.startScan(ctx, scan.KindPortScan)
		case 'r':
			u.requestReload()
		}
	}
	return false
}

func (u *UI) moveTarget(delta int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	ids := u.orderedIDsLocked()
	if len(ids) == 0 {
		u.selected = ""
		return
	}
	idx := -1
	for i, id := range ids {
		if id == u.selected {
			idx = i
		}
	}
	idx = clamp(idx+delta, 0, len(ids)-1)
	if ids[idx] != u.selected {
		u.device = 0
	}
	u.selected = ids[idx]
}

func (u *UI) moveDevice(delta int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := len(u.devices[u.selected])
	if n == 0 {
		u.device = 0
		return
	}
	u.device = clamp(u.device+delta, 0, n-1)
}

// startScan submits a scan for the selected target. The key stays inert while one runs
// because the coordinator rejects duplicates.
func (u *UI) startScan(ctx context.Context, kind scan.Kind) {
	u.mu.Lock()
	id := u.selected
	req := scan.Request{TargetID: id, Kind: kind}
	if kind == scan.KindPortScan {
		devices := sortedDevices(u.devices[id])
		if u.device < len(devices) {
			req.DeviceIP = devices[u.device].IP
		} else if t, ok := u.targets[id]; ok {
			req.DeviceIP = t.Address
		}
	}
	scanner := u.scanner
	u.mu.Unlock()

	if scanner == nil {
		return
	}
	if id == "" {
		u.setMessage("select a target first")
		return
	}
	handle, err := scanner.StartScan(req)
	switch {
	case errors.Is(err, scan.ErrAlreadyRunning):
		u.setMessage(fmt.Sprintf("%s already running for %s", kind, id))
		return
	case err != nil:
		u.setMessage(fmt.Sprintf("%s failed: %v", kind, err))
		return
	}
	u.setMessage(fmt.Sprintf("%s started for %s", kind, id))
	go func() {
		job, err := handle.Wait(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			u.setMessage(fmt.Sprintf("%s for %s failed: %v", kind, id, err))
			return
		}
		switch kind {
		case scan.KindPortScan:
			u.setMessage(fmt.Sprintf("port scan of %s: %d open", job.DeviceIP, len(job.Ports)))
		default:
			u.setMessage(fmt.Sprintf("device discovery for %s: %d devices", id, len(job.Devices)))
		}
	}()
}

func (u *UI) requestReload() {
	if u.reload == nil {
		return
	}
	select {
	case u.reload <- struct{}{}:
		u.setMessage("reloading config")
	default:
	}
}

func (u *UI) setMessage(msg string) {
	u.mu.Lock()
	u.message = msg
	u.mu.Unlock()
	u.requestRedraw()
}

type view struct {
	groups   []targetGroup
	selected string
	device   int
	devices  []probe.Device
	ports    []monitor.PortRow
	message  string
}

func (u *UI) snapshot() view {
	u.mu.Lock()
	defer u.mu.Unlock()
	all := make([]state.TargetStatus, 0, len(u.targets))
	for _, t := range u.targets {
		all = append(all, t)
	}
	if u.selected == "" && len(all) > 0 {
		u.selected = u.orderedIDsLocked()[0]
	}
	return view{
		groups:   groupTargets(all),
		selected: u.selected,
		device:   u.device,
		devices:  sortedDevices(u.devices[u.selected]),
		ports:    sortedPorts(u.ports[u.selected]),
		message:  u.message,
	}
}

func (u *UI) orderedIDsLocked() []string {
	all := make([]state.TargetStatus, 0, len(u.targets))
	for _, t := range u.targets {
		all = append(all, t)
	}
	var ids []string
	for _, g := range groupTargets(all) {
		for _, t := range g.Targets {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

func (u *UI) render(screen tcell.Screen) {
	v := u.snapshot()
	screen.Clear()
	width, height := screen.Size()
	if width < 20 || height < 5 {
		screen.Show()
		return
	}

	now := u.now().Format("2006-01-02 15:04:05")
	header := fmt.Sprintf(" linkwatch  %s  (q quit, j/k select, d discover, p scan ports, r reload)", now)
	drawText(screen, 0, 0, width, header, tcell.StyleDefault.Bold(true))
	drawText(screen, 0, 1, width, formatConfigInfo(u.cfg), tcell.StyleDefault.Foreground(tcell.ColorGray))

	listBottom := height - 1
	if v.selected != "" && height > minBoxHeight+detailRows+3 {
		listBottom = height - 1 - detailRows
	}

	y := 2
	for _, group := range v.groups {
		if listBottom-y < minBoxHeight {
			break
		}
		boxHeight := len(group.Targets) + 2
		if boxHeight > listBottom-y {
			boxHeight = listBottom - y
		}
		u.drawGroupBox(screen, 0, y, width, boxHeight, group, v.selected)
		y += boxHeight
	}

	if listBottom < height-1 {
		u.drawDetail(screen, 0, listBottom, width, detailRows, v)
	}
	drawText(screen, 0, height-1, width, " "+v.message, tcell.StyleDefault.Foreground(tcell.ColorAqua))
	screen.Show()
}

type targetGroup struct {
	Name    string
	Targets []state.TargetStatus
}

func groupTargets(snapshot []state.TargetStatus) []targetGroup {
	if len(snapshot) == 0 {
		return nil
	}
	groups := make(map[string][]state.TargetStatus)
	for _, target := range snapshot {
		name := strings.TrimSpace(target.Group)
		if name == "" {
			name = "default"
		}
		groups[name] = append(groups[name], target)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] == "default" {
			return true
		}
		if names[j] == "default" {
			return false
		}
		return names[i] < names[j]
	})

	result := make([]targetGroup, 0, len(names))
	for _, name := range names {
		targets := groups[name]
		sort.Slice(targets, func(i, j int) bool {
			if targets[i].Name != targets[j].Name {
				return targets[i].Name < targets[j].Name
			}
			return targets[i].ID < targets[j].ID
		})
		result = append(result, targetGroup{Name: name, Targets: targets})
	}
	return result
}

func (u *UI) drawGroupBox(screen tcell.Screen, x, y, width, height int, group targetGroup, selected string) {
	drawBox(screen, x, y, width, height)

	title := fmt.Sprintf(" %s ", group.Name)
	drawText(screen, x+2, y, width-4, title, tcell.StyleDefault.Bold(true))

	if height <= 2 {
		return
	}

	rowY := y + 1
	maxRows := height - 2
	for i := 0; i < len(group.Targets) && i < maxRows; i++ {
		target := group.Targets[i]
		line := u.formatTargetLine(width-2, target, target.ID == selected)
		drawStyledText(screen, x+1, rowY+i, width-2, line)
	}
}

func (u *UI) formatTargetLine(width int, target state.TargetStatus, selected bool) []styledRune {
	style := tierStyle(target.Tier)
	marker := " "
	if selected {
		marker = ">"
	}
	name := padOrTrim(displayName(target), minInt(14, width))
	addr := padOrTrim(target.Address, minInt(16, width))
	tier := padOrTrim(string(target.Tier), 8)

	lat := padOrTrim("LAT:"+formatValue(target, health.MetricLatency, "ms"), 11)
	avg := padOrTrim("AVG:"+formatAvg(target.Summaries[health.MetricLatency], "ms"), 11)
	loss := padOrTrim("LOSS:"+formatValue(target, health.MetricPacketLoss, "%"), 11)

	parts := []styledText{
		{text: marker, style: tcell.StyleDefault.Bold(true)},
		{text: name, style: tcell.StyleDefault},
		{text: " ", style: tcell.StyleDefault},
		{text: addr, style: tcell.StyleDefault},
		{text: " ", style: tcell.StyleDefault},
		{text: tier, style: style},
		{text: " ", style: tcell.StyleDefault},
		{text: lat, style: tcell.StyleDefault},
		{text: avg, style: tcell.StyleDefault},
		{text: loss, style: style},
	}
	for _, metric := range []string{health.MetricCPU, health.MetricRAM, health.MetricSTUNLatency} {
		if _, ok := target.Latest[metric]; !ok {
			continue
		}
		unit := "%"
		if metric == health.MetricSTUNLatency {
			unit = "ms"
		}
		label := strings.ToUpper(strings.TrimSuffix(metric, "_latency")) + ":"
		parts = append(parts, styledText{text: padOrTrim(label+formatValue(target, metric, unit), 11), style: tierStyle(target.Tiers[metric])})
	}
	if target.Stale {
		parts = append(parts, styledText{text: "STALE ", style: tcell.StyleDefault.Foreground(tcell.ColorRed).Bold(true)})
	}

	used := 0
	for _, p := range parts {
		used += len([]rune(p.text))
	}
	runes := flattenStyledText(parts, width)
	if barWidth := width - used; barWidth > 0 {
		runes = append(runes, u.buildBar(target.Series[health.MetricLatency], barWidth)...)
	}
	return runes
}

// buildBar draws the latency window right-aligned, one cell per sample, colored by tier.
func (u *UI) buildBar(samples []series.Sample, width int) []styledRune {
	if width <= 0 {
		return nil
	}
	if len(samples) > width {
		samples = samples[len(samples)-width:]
	}
	out := []styledRune{{r: []rune(strings.Repeat(" ", width-len(samples))), style: tcell.StyleDefault}}
	for _, s := range samples {
		r := '#'
		if s.IsUnreachable() {
			r = 'x'
		}
		out = append(out, styledRune{r: []rune{r}, style: tierStyle(u.classifier.Classify(health.MetricLatency, s.Value))})
	}
	return out
}

func (u *UI) drawDetail(screen tcell.Screen, x, y, width, height int, v view) {
	drawBox(screen, x, y, width, height)
	title := fmt.Sprintf(" %s: %d devices ", v.selected, len(v.devices))
	drawText(screen, x+2, y, width-4, title, tcell.StyleDefault.Bold(true))

	inner := width - 2
	half := inner / 2
	rows := height - 2
	for i := 0; i < rows; i++ {
		row := y + 1 + i
		if i < len(v.devices) {
			d := v.devices[i]
			style := tcell.StyleDefault
			if i == v.device {
				style = style.Reverse(true)
			}
			line := fmt.Sprintf("%-15s %-17s %s", d.IP, d.MAC, d.Hostname)
			drawText(screen, x+1, row, half, padOrTrim(line, half), style)
		} else {
			drawText(screen, x+1, row, half, "", tcell.StyleDefault)
		}
		if i < len(v.ports) {
			p := v.ports[i]
			line := fmt.Sprintf("%s %5d/%s %s", p.DeviceIP, p.Port.Port, p.Protocol, p.Service)
			drawText(screen, x+1+half, row, inner-half, line, tcell.StyleDefault.Foreground(tcell.ColorGreen))
		} else {
			drawText(screen, x+1+half, row, inner-half, "", tcell.StyleDefault)
		}
	}
}

func drawBox(screen tcell.Screen, x, y, width, height int) {
	if width < 2 || height < 2 {
		return
	}
	right := x + width - 1
	bottom := y + height - 1

	setCell(screen, x, y, '+', tcell.StyleDefault)
	setCell(screen, right, y, '+', tcell.StyleDefault)
	setCell(screen, x, bottom, '+', tcell.StyleDefault)
	setCell(screen, right, bottom, '+', tcell.StyleDefault)

	for col := x + 1; col < right; col++ {
		setCell(screen, col, y, '-', tcell.StyleDefault)
		setCell(screen, col, bottom, '-', tcell.StyleDefault)
	}
	for row := y + 1; row < bottom; row++ {
		setCell(screen, x, row, '|', tcell.StyleDefault)
		setCell(screen, right, row, '|', tcell.StyleDefault)
	}
}

func drawText(screen tcell.Screen, x, y, width int, text string, style tcell.Style) {
	drawStyledText(screen, x, y, width, []styledRune{{r: []rune(text), style: style}})
}

type styledText struct {
	text  string
	style tcell.Style
}

type styledRune struct {
	r     []rune
	style tcell.Style
}

func drawStyledText(screen tcell.Screen, x, y, width int, parts []styledRune) {
	if width <= 0 {
		return
	}
	col := x
	for _, part := range parts {
		for _, r := range part.r {
			if col >= x+width {
				return
			}
			setCell(screen, col, y, r, part.style)
			col++
		}
	}
	for col < x+width {
		setCell(screen, col, y, ' ', tcell.StyleDefault)
		col++
	}
}

func flattenStyledText(parts []styledText, width int) []styledRune {
	result := make([]styledRune, 0, len(parts))
	used := 0
	for _, part := range parts {
		runes := []rune(part.text)
		if used+len(runes) > width {
			runes = runes[:maxInt(0, width-used)]
		}
		result = append(result, styledRune{r: runes, style: part.style})
		used += len(runes)
		if used >= width {
			break
		}
	}
	return result
}

func setCell(screen tcell.Screen, x, y int, r rune, style tcell.Style) {
	screen.SetContent(x, y, r, nil, style)
}

func padOrTrim(value string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(value)
	if len(runes) > width {
		return string(runes[:width])
	}
	if len(runes) < width {
		return value + strings.Repeat(" ", width-len(runes))
	}
	return value
}

func displayName(t state.TargetStatus) string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// formatValue renders the latest value of metric, or N/A when it is missing or null.
func formatValue(t state.TargetStatus, metric, unit string) string {
	v, ok := t.Value(metric)
	if !ok {
		return "N/A"
	}
	return formatNumber(v) + unit
}

func formatAvg(s series.Summary, unit string) string {
	if s.Avg == nil {
		return "N/A"
	}
	return formatNumber(*s.Avg) + unit
}

func formatNumber(v float64) string {
	if v >= 100 || v == float64(int64(v)) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.1f", v)
}

func tierStyle(tier health.Tier) tcell.Style {
	switch tier {
	case health.TierHealthy:
		return tcell.StyleDefault.Foreground(tcell.ColorGreen)
	case health.TierDegraded:
		return tcell.StyleDefault.Foreground(tcell.ColorYellow)
	case health.TierCritical:
		return tcell.StyleDefault.Foreground(tcell.ColorRed)
	default:
		return tcell.StyleDefault.Foreground(tcell.ColorGray)
	}
}

func sortedDevices(m map[string]probe.Device) []probe.Device {
	out := make([]probe.Device, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return ipKey(out[i].IP) < ipKey(out[j].IP) })
	return out
}

func sortedPorts(m map[string]monitor.PortRow) []monitor.PortRow {
	out := make([]monitor.PortRow, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port.Port < out[j].Port.Port })
	return out
}

// ipKey zero-pads dotted quads so they sort numerically as strings.
func ipKey(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ip
	}
	for i, p := range parts {
		if len(p) < 3 {
			parts[i] = strings.Repeat("0", 3-len(p)) + p
		}
	}
	return strings.Join(parts, ".")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func formatConfigInfo(cfg config.GlobalOptions) string {
	return fmt.Sprintf(" interval=%s  timeout=%s  devices=%s  window=%d  max_concurrency=%d",
		formatDuration(cfg.Interval), formatDuration(cfg.Timeout), formatDuration(cfg.DevicesInterval),
		cfg.Window, cfg.MaxConcurrency)
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "off"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dus", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
