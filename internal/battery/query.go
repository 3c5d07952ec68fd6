package battery

import (
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"vulcanbrownout/internal/directory"
)

// Pagination and catalog limits.
const (
	MaxPageSize      = 100
	DefaultPageSize  = 20
	MaxFilterOptions = 20
)

// SortKey selects the query ordering.
type SortKey string

const (
	SortPriority     SortKey = "priority"
	SortAlphabetical SortKey = "alphabetical"
	SortLevelAsc     SortKey = "level_asc"
	SortLevelDesc    SortKey = "level_desc"
)

// Sort orders.
const (
	SortOrderAsc  = "asc"
	SortOrderDesc = "desc"
)

// legacySortKeys maps retired sort key names onto their replacements so
// older panel builds keep working.
var legacySortKeys = map[string]SortKey{
	"battery_level": SortLevelAsc,
	"available":     SortPriority,
	"device_name":   SortAlphabetical,
}

func normalizeSortKey(key string) (SortKey, bool) {
	switch SortKey(key) {
	case "":
		return SortPriority, true
	case SortPriority, SortAlphabetical, SortLevelAsc, SortLevelDesc:
		return SortKey(key), true
	}
	if mapped, ok := legacySortKeys[key]; ok {
		return mapped, true
	}
	return "", false
}

// QueryParams are the validated inputs to QueryDevices. A zero Cursor means
// positional pagination from Offset.
type QueryParams struct {
	Limit         int
	Offset        int
	Cursor        string
	SortKey       string
	SortOrder     string
	Manufacturers []string
	DeviceClasses []string
	Statuses      []string
	Areas         []string
}

// Device is one classified record as emitted to clients.
type Device struct {
	EntityID     string                 `json:"entity_id"`
	State        string                 `json:"state"`
	BatteryLevel float64                `json:"battery_level"`
	Available    bool                   `json:"available"`
	Status       Status                 `json:"status"`
	DisplayName  string                 `json:"device_name"`
	Manufacturer string                 `json:"manufacturer,omitempty"`
	Model        string                 `json:"model,omitempty"`
	AreaID       string                 `json:"area_id,omitempty"`
	AreaName     string                 `json:"area_name,omitempty"`
	DeviceClass  string                 `json:"device_class,omitempty"`
	Attributes   map[string]interface{} `json:"attributes"`
	LastChanged  string                 `json:"last_changed,omitempty"`
	LastUpdated  string                 `json:"last_updated,omitempty"`
}

// Page is the result of one QueryDevices call. Total and StatusCounts cover
// the filtered set, not just the emitted slice.
type Page struct {
	Items        []Device       `json:"items"`
	Total        int            `json:"total"`
	Offset       int            `json:"offset"`
	Limit        int            `json:"limit"`
	HasMore      bool           `json:"has_more"`
	NextCursor   *string        `json:"next_cursor"`
	StatusCounts map[Status]int `json:"status_counts"`
}

// AreaOption is one selectable area facet value.
type AreaOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FilterOptions are the distinct facet values currently present in the
// snapshot, for client-side filter UIs.
type FilterOptions struct {
	Manufacturers []string     `json:"manufacturers"`
	DeviceClasses []string     `json:"device_classes"`
	Areas         []AreaOption `json:"areas"`
	Statuses      []Status     `json:"statuses"`
}

// Engine answers device queries over the snapshot store. It classifies every
// record against its effective threshold, filters, sorts with deterministic
// tie-breaks, and paginates by cursor or offset.
type Engine struct {
	store      *Store
	thresholds *ThresholdConfig
	dir        directory.Resolver
	logger     *zap.Logger
}

// NewEngine creates a query engine over the given store and thresholds.
func NewEngine(store *Store, thresholds *ThresholdConfig, dir directory.Resolver, logger *zap.Logger) *Engine {
	return &Engine{
		store:      store,
		thresholds: thresholds,
		dir:        dir,
		logger:     logger,
	}
}

// QueryDevices runs one query and returns a page of classified devices.
// Invalid limits, offsets, and enum values return an invalid_request Error;
// an undecodable cursor silently restarts from the beginning so stale client
// state never errors.
func (e *Engine) QueryDevices(p QueryParams) (*Page, error) {
	if p.Limit < 1 || p.Limit > MaxPageSize {
		return nil, NewError(ErrCodeInvalidRequest, "limit %d out of range [1, %d]", p.Limit, MaxPageSize)
	}
	if p.Offset < 0 {
		return nil, NewError(ErrCodeInvalidRequest, "offset %d must be >= 0", p.Offset)
	}
	sortKey, ok := normalizeSortKey(p.SortKey)
	if !ok {
		return nil, NewError(ErrCodeInvalidRequest, "unsupported sort_key %q", p.SortKey)
	}
	sortOrder := p.SortOrder
	if sortOrder == "" {
		sortOrder = SortOrderAsc
	}
	if sortOrder != SortOrderAsc && sortOrder != SortOrderDesc {
		return nil, NewError(ErrCodeInvalidRequest, "unsupported sort_order %q", p.SortOrder)
	}
	for _, s := range p.Statuses {
		if !ValidStatus(s) {
			return nil, NewError(ErrCodeInvalidRequest, "unsupported status filter %q", s)
		}
	}

	// Classify and filter over a consistent snapshot.
	devices := make([]Device, 0, e.store.Len())
	for _, r := range e.store.All() {
		d := e.newDevice(r)
		if !matchFilters(&d, &p) {
			continue
		}
		devices = append(devices, d)
	}

	counts := countStatuses(devices)
	sortDevices(devices, sortKey, sortOrder == SortOrderDesc)
	total := len(devices)

	start := e.resumeIndex(devices, &p)
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}

	items := make([]Device, end-start)
	copy(items, devices[start:end])
	for i := range items {
		e.enrich(&items[i])
	}

	hasMore := start+p.Limit < total
	var nextCursor *string
	if hasMore && len(items) > 0 {
		last := items[len(items)-1]
		c := EncodeCursor(last.LastChanged, last.EntityID)
		nextCursor = &c
	}

	return &Page{
		Items:        items,
		Total:        total,
		Offset:       start,
		Limit:        p.Limit,
		HasMore:      hasMore,
		NextCursor:   nextCursor,
		StatusCounts: counts,
	}, nil
}

// resumeIndex locates the pagination start: after a valid cursor's position
// when found in the sorted sequence, else the positional offset. An
// undecodable cursor resets to the beginning.
func (e *Engine) resumeIndex(devices []Device, p *QueryParams) int {
	if p.Cursor == "" {
		return p.Offset
	}

	lastChanged, entityID, err := DecodeCursor(p.Cursor)
	if err != nil {
		e.logger.Debug("Ignoring undecodable cursor", zap.Error(err))
		return 0
	}
	for i := range devices {
		if devices[i].EntityID == entityID && devices[i].LastChanged == lastChanged {
			return i + 1
		}
	}
	// Cursor no longer matches any record, fall back to the offset.
	return p.Offset
}

// FilterOptions scans the snapshot and collects the distinct facet values.
// Statuses is always the full enumeration regardless of what is present.
func (e *Engine) FilterOptions() *FilterOptions {
	manufacturers := make(map[string]struct{})
	deviceClasses := make(map[string]struct{})
	areas := make(map[string]string)

	for _, r := range e.store.All() {
		if r.Manufacturer != "" {
			manufacturers[r.Manufacturer] = struct{}{}
		}
		if r.DeviceClass != "" {
			deviceClasses[r.DeviceClass] = struct{}{}
		}
		if r.AreaID != "" && r.AreaName != "" {
			areas[r.AreaID] = r.AreaName
		}
	}

	areaOptions := make([]AreaOption, 0, len(areas))
	for id, name := range areas {
		areaOptions = append(areaOptions, AreaOption{ID: id, Name: name})
	}
	sort.Slice(areaOptions, func(i, j int) bool {
		return areaOptions[i].Name < areaOptions[j].Name
	})
	if len(areaOptions) > MaxFilterOptions {
		areaOptions = areaOptions[:MaxFilterOptions]
	}

	statuses := make([]Status, len(AllStatuses))
	copy(statuses, AllStatuses)

	return &FilterOptions{
		Manufacturers: sortedCapped(manufacturers),
		DeviceClasses: sortedCapped(deviceClasses),
		Areas:         areaOptions,
		Statuses:      statuses,
	}
}

// StatusCounts classifies every tracked record and tallies per status. All
// four statuses are always present in the result.
func (e *Engine) StatusCounts() map[Status]int {
	counts := emptyCounts()
	for _, r := range e.store.All() {
		status := Classify(&r, e.thresholds.Effective(r.EntityID))
		counts[status]++
	}
	return counts
}

// Snapshot returns the classified, enriched view of a single tracked device.
func (e *Engine) Snapshot(entityID string) (Device, bool) {
	r, ok := e.store.Get(entityID)
	if !ok {
		return Device{}, false
	}
	d := e.newDevice(r)
	e.enrich(&d)
	return d, true
}

func (e *Engine) newDevice(r Record) Device {
	status := Classify(&r, e.thresholds.Effective(r.EntityID))
	return Device{
		EntityID:     r.EntityID,
		State:        r.RawState,
		BatteryLevel: r.BatteryLevel,
		Available:    r.Available,
		Status:       status,
		DisplayName:  r.DisplayName,
		Manufacturer: r.Manufacturer,
		Model:        r.Model,
		AreaID:       r.AreaID,
		AreaName:     r.AreaName,
		DeviceClass:  r.DeviceClass,
		Attributes:   r.Attributes,
		LastChanged:  formatTimestamp(r.LastChanged),
		LastUpdated:  formatTimestamp(r.LastUpdated),
	}
}

// enrich refreshes display metadata from the directory for an emitted
// device, so renames in the host registries show up without re-ingestion.
func (e *Engine) enrich(d *Device) {
	info, ok := e.dir.Resolve(d.EntityID)
	if !ok {
		return
	}
	if info.DisplayName != "" {
		d.DisplayName = info.DisplayName
	}
	if info.Manufacturer != "" {
		d.Manufacturer = info.Manufacturer
	}
	if info.Model != "" {
		d.Model = info.Model
	}
	if info.AreaID != "" {
		d.AreaID = info.AreaID
		d.AreaName = info.AreaName
	}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// matchFilters applies the facet filters: a device passes a category when it
// matches any listed value, and must pass every active category.
func matchFilters(d *Device, p *QueryParams) bool {
	if !matchAny(p.Manufacturers, d.Manufacturer) {
		return false
	}
	if !matchAny(p.DeviceClasses, d.DeviceClass) {
		return false
	}
	if !matchAny(p.Statuses, string(d.Status)) {
		return false
	}
	if len(p.Areas) > 0 {
		matched := false
		for _, v := range p.Areas {
			if v == d.AreaID || v == d.AreaName {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func matchAny(values []string, v string) bool {
	if len(values) == 0 {
		return true
	}
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func countStatuses(devices []Device) map[Status]int {
	counts := emptyCounts()
	for i := range devices {
		counts[devices[i].Status]++
	}
	return counts
}

func emptyCounts() map[Status]int {
	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	return counts
}

func sortedCapped(set map[string]struct{}) []string {
	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	sort.Strings(values)
	if len(values) > MaxFilterOptions {
		values = values[:MaxFilterOptions]
	}
	return values
}

// sortDevices orders devices with a total order: the sort key's composite
// comparison, with entity id as the final tie-break so equal names and
// levels still paginate deterministically. desc reverses the whole key.
func sortDevices(devices []Device, key SortKey, desc bool) {
	sort.Slice(devices, func(i, j int) bool {
		a, b := &devices[i], &devices[j]
		if desc {
			a, b = b, a
		}
		return compareDevices(a, b, key) < 0
	})
}

func compareDevices(a, b *Device, key SortKey) int {
	switch key {
	case SortPriority:
		if c := a.Status.Rank() - b.Status.Rank(); c != 0 {
			return c
		}
		if c := compareLevels(a.BatteryLevel, b.BatteryLevel); c != 0 {
			return c
		}
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
	case SortLevelAsc:
		if c := compareLevels(a.BatteryLevel, b.BatteryLevel); c != 0 {
			return c
		}
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
	case SortLevelDesc:
		if c := compareLevels(b.BatteryLevel, a.BatteryLevel); c != 0 {
			return c
		}
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
	case SortAlphabetical:
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		if c := compareLevels(a.BatteryLevel, b.BatteryLevel); c != 0 {
			return c
		}
	}
	return strings.Compare(a.EntityID, b.EntityID)
}

func compareLevels(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
