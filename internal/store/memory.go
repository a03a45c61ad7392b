package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gigamaps/schoolstats/internal/classify"
)

// Memory is an in-memory Store used by tests and one-shot tooling. It mirrors
// the Postgres implementation's semantics, including upsert uniqueness and
// the orphan filtering on current weekly rows.
type Memory struct {
	mu sync.RWMutex

	nextID          int64
	countries       map[int64]*Country
	schools         map[int64]*School
	measurements    map[int64]*Measurement
	schoolDailies   map[int64]*SchoolDaily
	countryDailies  map[int64]*CountryDaily
	schoolWeeklies  map[int64]*SchoolWeekly
	countryWeeklies map[int64]*CountryWeekly
	watermarks      map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		countries:       make(map[int64]*Country),
		schools:         make(map[int64]*School),
		measurements:    make(map[int64]*Measurement),
		schoolDailies:   make(map[int64]*SchoolDaily),
		countryDailies:  make(map[int64]*CountryDaily),
		schoolWeeklies:  make(map[int64]*SchoolWeekly),
		countryWeeklies: make(map[int64]*CountryWeekly),
		watermarks:      make(map[string]time.Time),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) CreateCountry(_ context.Context, c *Country) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.id()
	cp := *c
	m.countries[c.ID] = &cp
	return nil
}

func (m *Memory) CountryByCode(_ context.Context, code string) (*Country, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.countries {
		if strings.EqualFold(c.Code, code) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Countries(_ context.Context) ([]Country, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Country, 0, len(m.countries))
	for _, c := range m.countries {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveCountry(_ context.Context, c *Country) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.countries[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	m.countries[c.ID] = &cp
	return nil
}

// UpsertSchool keys on (country, external id), matching the bulk loaders'
// update-or-create behavior.
func (m *Memory) UpsertSchool(_ context.Context, s *School) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ExternalID = strings.ToLower(s.ExternalID)
	for _, existing := range m.schools {
		if existing.CountryID == s.CountryID && existing.ExternalID == s.ExternalID {
			s.ID = existing.ID
			s.LastWeeklyStatusID = existing.LastWeeklyStatusID
			cp := *s
			m.schools[s.ID] = &cp
			return nil
		}
	}
	s.ID = m.id()
	cp := *s
	m.schools[s.ID] = &cp
	return nil
}

func (m *Memory) SchoolsByExternalID(_ context.Context, countryID int64, externalIDs []string) (map[string]*School, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[string]bool, len(externalIDs))
	for _, id := range externalIDs {
		want[strings.ToLower(id)] = true
	}
	out := make(map[string]*School)
	for _, s := range m.schools {
		if s.CountryID == countryID && want[s.ExternalID] {
			cp := *s
			out[s.ExternalID] = &cp
		}
	}
	return out, nil
}

func (m *Memory) SchoolPoints(_ context.Context, countryID int64) ([]Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Point
	for _, s := range m.schools {
		if s.CountryID == countryID && s.Geopoint != nil {
			out = append(out, *s.Geopoint)
		}
	}
	return out, nil
}

func (m *Memory) SetSchoolLastWeekly(_ context.Context, schoolID, weeklyID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schools[schoolID]
	if !ok {
		return ErrNotFound
	}
	id := weeklyID
	s.LastWeeklyStatusID = &id
	return nil
}

func (m *Memory) SetCountryLastWeekly(_ context.Context, countryID, weeklyID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.countries[countryID]
	if !ok {
		return ErrNotFound
	}
	id := weeklyID
	c.LastWeeklyStatusID = &id
	return nil
}

func (m *Memory) DeleteCountrySchools(_ context.Context, countryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteSchoolsLocked(countryID)
	return nil
}

func (m *Memory) deleteSchoolsLocked(countryID int64) {
	for id, s := range m.schools {
		if s.CountryID != countryID {
			continue
		}
		for mid, meas := range m.measurements {
			if meas.SchoolID == id {
				delete(m.measurements, mid)
			}
		}
		for did, d := range m.schoolDailies {
			if d.SchoolID == id {
				delete(m.schoolDailies, did)
			}
		}
		for wid, w := range m.schoolWeeklies {
			if w.SchoolID == id {
				delete(m.schoolWeeklies, wid)
			}
		}
		delete(m.schools, id)
	}
}

func (m *Memory) ClearCountryData(_ context.Context, countryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteSchoolsLocked(countryID)
	for id, d := range m.countryDailies {
		if d.CountryID == countryID {
			delete(m.countryDailies, id)
		}
	}
	for id, w := range m.countryWeeklies {
		if w.CountryID == countryID {
			delete(m.countryWeeklies, id)
		}
	}
	if c, ok := m.countries[countryID]; ok {
		c.LastWeeklyStatusID = nil
	}
	return nil
}

func (m *Memory) RepairLastWeeklyPointers(_ context.Context, countryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.schools {
		if s.CountryID != countryID {
			continue
		}
		var latest *SchoolWeekly
		for _, w := range m.schoolWeeklies {
			if w.SchoolID != s.ID {
				continue
			}
			if latest == nil || w.Date.After(latest.Date) || (w.Date.Equal(latest.Date) && w.ID > latest.ID) {
				latest = w
			}
		}
		if latest == nil {
			s.LastWeeklyStatusID = nil
		} else {
			id := latest.ID
			s.LastWeeklyStatusID = &id
		}
	}
	c, ok := m.countries[countryID]
	if !ok {
		return ErrNotFound
	}
	var latest *CountryWeekly
	for _, w := range m.countryWeeklies {
		if w.CountryID != countryID {
			continue
		}
		if latest == nil || w.Date.After(latest.Date) || (w.Date.Equal(latest.Date) && w.ID > latest.ID) {
			latest = w
		}
	}
	if latest == nil {
		c.LastWeeklyStatusID = nil
	} else {
		id := latest.ID
		c.LastWeeklyStatusID = &id
	}
	return nil
}

func (m *Memory) InsertMeasurements(_ context.Context, ms []Measurement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range ms {
		ms[i].ID = m.id()
		cp := ms[i]
		m.measurements[cp.ID] = &cp
	}
	return nil
}

func (m *Memory) HasMeasurements(_ context.Context, countryID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, meas := range m.measurements {
		if s, ok := m.schools[meas.SchoolID]; ok && s.CountryID == countryID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) MeasurementDailyAverages(_ context.Context, countryID int64, date time.Time) (map[int64]Averages, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	date = DateOf(date)
	type acc struct {
		speedSum, latSum   float64
		speedCnt, latCnt   int
		speedSeen, latSeen bool
	}
	accs := make(map[int64]*acc)
	for _, meas := range m.measurements {
		s, ok := m.schools[meas.SchoolID]
		if !ok || s.CountryID != countryID || !DateOf(meas.RecordedAt).Equal(date) {
			continue
		}
		a := accs[meas.SchoolID]
		if a == nil {
			a = &acc{}
			accs[meas.SchoolID] = a
		}
		if meas.Speed != nil {
			a.speedSum += *meas.Speed
			a.speedCnt++
			a.speedSeen = true
		}
		if meas.Latency != nil {
			a.latSum += *meas.Latency
			a.latCnt++
			a.latSeen = true
		}
	}
	out := make(map[int64]Averages, len(accs))
	for schoolID, a := range accs {
		var avg Averages
		if a.speedSeen {
			v := a.speedSum / float64(a.speedCnt)
			avg.Speed = &v
		}
		if a.latSeen {
			v := a.latSum / float64(a.latCnt)
			avg.Latency = &v
		}
		out[schoolID] = avg
	}
	return out, nil
}

func (m *Memory) LatestMeasurementAt(_ context.Context, schoolID int64) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *time.Time
	for _, meas := range m.measurements {
		if meas.SchoolID != schoolID {
			continue
		}
		if latest == nil || meas.RecordedAt.After(*latest) {
			t := meas.RecordedAt
			latest = &t
		}
	}
	return latest, nil
}

func (m *Memory) DeleteMeasurementsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, meas := range m.measurements {
		if meas.RecordedAt.Before(cutoff) {
			delete(m.measurements, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpsertSchoolDaily(_ context.Context, d *SchoolDaily) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Date = DateOf(d.Date)
	for _, existing := range m.schoolDailies {
		if existing.SchoolID == d.SchoolID && existing.Date.Equal(d.Date) {
			d.ID = existing.ID
			cp := *d
			m.schoolDailies[d.ID] = &cp
			return nil
		}
	}
	d.ID = m.id()
	cp := *d
	m.schoolDailies[d.ID] = &cp
	return nil
}

func (m *Memory) CountryDailyAverages(_ context.Context, countryID int64, date time.Time) (*Averages, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	date = DateOf(date)
	var speedSum, latSum float64
	var speedCnt, latCnt int
	for _, d := range m.schoolDailies {
		s, ok := m.schools[d.SchoolID]
		if !ok || s.CountryID != countryID || !d.Date.Equal(date) {
			continue
		}
		if d.Speed != nil {
			speedSum += *d.Speed
			speedCnt++
		}
		if d.Latency != nil {
			latSum += *d.Latency
			latCnt++
		}
	}
	if speedCnt == 0 && latCnt == 0 {
		return nil, nil
	}
	var avg Averages
	if speedCnt > 0 {
		v := speedSum / float64(speedCnt)
		avg.Speed = &v
	}
	if latCnt > 0 {
		v := latSum / float64(latCnt)
		avg.Latency = &v
	}
	return &avg, nil
}

func (m *Memory) UpsertCountryDaily(_ context.Context, d *CountryDaily) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Date = DateOf(d.Date)
	for _, existing := range m.countryDailies {
		if existing.CountryID == d.CountryID && existing.Date.Equal(d.Date) {
			d.ID = existing.ID
			cp := *d
			m.countryDailies[d.ID] = &cp
			return nil
		}
	}
	d.ID = m.id()
	cp := *d
	m.countryDailies[d.ID] = &cp
	return nil
}

func (m *Memory) CountryDaily(_ context.Context, countryID int64, date time.Time) (*CountryDaily, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	date = DateOf(date)
	for _, d := range m.countryDailies {
		if d.CountryID == countryID && d.Date.Equal(date) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) SchoolIDsWithDailySince(_ context.Context, countryID int64, since time.Time) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	since = DateOf(since)
	seen := make(map[int64]bool)
	for _, d := range m.schoolDailies {
		s, ok := m.schools[d.SchoolID]
		if !ok || s.CountryID != countryID || d.Date.Before(since) {
			continue
		}
		seen[d.SchoolID] = true
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) SchoolDailyAverages(_ context.Context, schoolID int64, from, to time.Time) (*Averages, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	from, to = DateOf(from), DateOf(to)
	var speedSum, latSum float64
	var speedCnt, latCnt int
	for _, d := range m.schoolDailies {
		if d.SchoolID != schoolID || d.Date.Before(from) || d.Date.After(to) {
			continue
		}
		if d.Speed != nil {
			speedSum += *d.Speed
			speedCnt++
		}
		if d.Latency != nil {
			latSum += *d.Latency
			latCnt++
		}
	}
	if speedCnt == 0 && latCnt == 0 {
		return nil, nil
	}
	var avg Averages
	if speedCnt > 0 {
		v := speedSum / float64(speedCnt)
		avg.Speed = &v
	}
	if latCnt > 0 {
		v := latSum / float64(latCnt)
		avg.Latency = &v
	}
	return &avg, nil
}

func (m *Memory) GetOrCreateSchoolWeekly(_ context.Context, schoolID int64, year, week int) (*SchoolWeekly, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.schoolWeeklies {
		if w.SchoolID == schoolID && w.Year == year && w.Week == week {
			cp := *w
			return &cp, false, nil
		}
	}
	w := &SchoolWeekly{
		ID:               m.id(),
		SchoolID:         schoolID,
		Year:             year,
		Week:             week,
		Date:             ISOWeekMonday(year, week),
		ConnectivityType: "unknown",
		CoverageType:     classify.CoverageUnknown,
	}
	m.schoolWeeklies[w.ID] = w
	cp := *w
	return &cp, true, nil
}

func (m *Memory) PreviousSchoolWeekly(_ context.Context, schoolID int64, before time.Time) (*SchoolWeekly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var prev *SchoolWeekly
	for _, w := range m.schoolWeeklies {
		if w.SchoolID != schoolID || !w.Date.Before(before) {
			continue
		}
		if prev == nil || w.Date.After(prev.Date) || (w.Date.Equal(prev.Date) && w.ID > prev.ID) {
			prev = w
		}
	}
	if prev == nil {
		return nil, ErrNotFound
	}
	cp := *prev
	return &cp, nil
}

func (m *Memory) LatestSchoolWeekly(_ context.Context, schoolID int64) (*SchoolWeekly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *SchoolWeekly
	for _, w := range m.schoolWeeklies {
		if w.SchoolID != schoolID {
			continue
		}
		if latest == nil || w.Date.After(latest.Date) || (w.Date.Equal(latest.Date) && w.ID > latest.ID) {
			latest = w
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) SaveSchoolWeekly(_ context.Context, w *SchoolWeekly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schoolWeeklies[w.ID]; !ok {
		return ErrNotFound
	}
	w.Date = ISOWeekMonday(w.Year, w.Week)
	cp := *w
	m.schoolWeeklies[w.ID] = &cp
	return nil
}

// CurrentSchoolWeeklies returns the weekly rows still linked as some school's
// current weekly status. Rows whose school has gone away, or pointers to rows
// that no longer exist, are filtered out rather than surfaced as errors.
func (m *Memory) CurrentSchoolWeeklies(_ context.Context, countryID int64) ([]SchoolWeekly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SchoolWeekly
	for _, s := range m.schools {
		if s.CountryID != countryID || s.LastWeeklyStatusID == nil {
			continue
		}
		w, ok := m.schoolWeeklies[*s.LastWeeklyStatusID]
		if !ok || w.SchoolID != s.ID {
			continue
		}
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetOrCreateCountryWeekly(_ context.Context, countryID int64, year, week int) (*CountryWeekly, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.countryWeeklies {
		if w.CountryID == countryID && w.Year == year && w.Week == week {
			cp := *w
			return &cp, false, nil
		}
	}
	w := &CountryWeekly{
		ID:                       m.id(),
		CountryID:                countryID,
		Year:                     year,
		Week:                     week,
		Date:                     ISOWeekMonday(year, week),
		IntegrationStatus:        StatusCountryCreated,
		ConnectivityAvailability: classify.TierNoConnectivity,
		CoverageAvailability:     classify.TierNoCoverage,
	}
	m.countryWeeklies[w.ID] = w
	cp := *w
	return &cp, true, nil
}

func (m *Memory) CountryWeeklyByID(_ context.Context, id int64) (*CountryWeekly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.countryWeeklies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) LatestCountryWeekly(_ context.Context, countryID int64) (*CountryWeekly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *CountryWeekly
	for _, w := range m.countryWeeklies {
		if w.CountryID != countryID {
			continue
		}
		if latest == nil || w.Date.After(latest.Date) || (w.Date.Equal(latest.Date) && w.ID > latest.ID) {
			latest = w
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) SaveCountryWeekly(_ context.Context, w *CountryWeekly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.countryWeeklies[w.ID]; !ok {
		return ErrNotFound
	}
	w.Date = ISOWeekMonday(w.Year, w.Week)
	cp := *w
	m.countryWeeklies[w.ID] = &cp
	return nil
}

func (m *Memory) Watermark(_ context.Context, source string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.watermarks[source]
	return t, ok, nil
}

func (m *Memory) SetWatermark(_ context.Context, source string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[source] = t
	return nil
}
