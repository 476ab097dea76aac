package models

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/modularity/mbs/builder"
)

// ModuleByID loads one module build.
func (s *Session) ModuleByID(id int64) (*ModuleBuild, error) {
	var mb ModuleBuild
	if err := s.tx.First(&mb, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load module %d: %w", id, err)
	}
	return &mb, nil
}

// ComponentByID loads one component build.
func (s *Session) ComponentByID(id int64) (*ComponentBuild, error) {
	var cb ComponentBuild
	if err := s.tx.First(&cb, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load component %d: %w", id, err)
	}
	return &cb, nil
}

// GetBuildFromNSVC finds the build with the given natural key, nil when
// absent.
func (s *Session) GetBuildFromNSVC(name, stream string, version int64, context string) (*ModuleBuild, error) {
	var mb ModuleBuild
	err := s.tx.Where("name = ? AND stream = ? AND version = ? AND context = ?",
		name, stream, version, context).First(&mb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load build %s:%s:%d:%s: %w", name, stream, version, context, err)
	}
	return &mb, nil
}

// ModulesByState returns all module builds in the given state.
func (s *Session) ModulesByState(state ModuleState) ([]*ModuleBuild, error) {
	var builds []*ModuleBuild
	if err := s.tx.Where("state = ?", state).Order("id").Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("load modules in state %s: %w", state, err)
	}
	return builds, nil
}

// StateCounts returns the number of module builds per state.
func (s *Session) StateCounts() (map[ModuleState]int64, error) {
	type row struct {
		State ModuleState
		N     int64
	}
	var rows []row
	err := s.tx.Model(&ModuleBuild{}).
		Select("state, count(*) as n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count modules per state: %w", err)
	}
	counts := make(map[ModuleState]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.N
	}
	return counts, nil
}

// componentsQuery applies the optional task-state filter. A single nil
// entry selects unsubmitted components.
func componentsQuery(q *gorm.DB, states []*builder.TaskState) *gorm.DB {
	if len(states) == 0 {
		return q
	}
	var vals []int
	var withNull bool
	for _, st := range states {
		if st == nil {
			withNull = true
		} else {
			vals = append(vals, int(*st))
		}
	}
	switch {
	case withNull && len(vals) > 0:
		return q.Where("state IN ? OR state IS NULL", vals)
	case withNull:
		return q.Where("state IS NULL")
	default:
		return q.Where("state IN ?", vals)
	}
}

// TaskStateFilter builds a filter entry for component queries.
func TaskStateFilter(s builder.TaskState) *builder.TaskState { return &s }

// Unsubmitted is the filter entry matching components never submitted.
var Unsubmitted *builder.TaskState

// CurrentBatch returns the components of the module's current batch,
// optionally filtered by task state, ordered by package name.
func (s *Session) CurrentBatch(mb *ModuleBuild, states ...*builder.TaskState) ([]*ComponentBuild, error) {
	var comps []*ComponentBuild
	q := s.tx.Where("module_id = ? AND batch = ?", mb.ID, mb.Batch)
	if err := componentsQuery(q, states).Order("package").Find(&comps).Error; err != nil {
		return nil, fmt.Errorf("load current batch of module %d: %w", mb.ID, err)
	}
	return comps, nil
}

// UpToCurrentBatch returns components whose batch is at most the
// module's current batch.
func (s *Session) UpToCurrentBatch(mb *ModuleBuild, states ...*builder.TaskState) ([]*ComponentBuild, error) {
	var comps []*ComponentBuild
	q := s.tx.Where("module_id = ? AND batch <= ?", mb.ID, mb.Batch)
	if err := componentsQuery(q, states).Order("batch, package").Find(&comps).Error; err != nil {
		return nil, fmt.Errorf("load components up to batch %d of module %d: %w", mb.Batch, mb.ID, err)
	}
	return comps, nil
}

// ComponentsOfModule returns every component of the module ordered by
// batch then package.
func (s *Session) ComponentsOfModule(moduleID int64) ([]*ComponentBuild, error) {
	var comps []*ComponentBuild
	if err := s.tx.Where("module_id = ?", moduleID).Order("batch, package").Find(&comps).Error; err != nil {
		return nil, fmt.Errorf("load components of module %d: %w", moduleID, err)
	}
	return comps, nil
}

// LastBatchID returns the highest declared batch among the module's
// components, 0 when it has none.
func (s *Session) LastBatchID(mb *ModuleBuild) (int, error) {
	var max *int
	err := s.tx.Model(&ComponentBuild{}).
		Where("module_id = ?", mb.ID).
		Select("max(batch)").
		Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("find last batch of module %d: %w", mb.ID, err)
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// Siblings returns the ids of builds sharing (name, stream, version)
// with a different context.
func (s *Session) Siblings(mb *ModuleBuild) ([]int64, error) {
	var ids []int64
	err := s.tx.Model(&ModuleBuild{}).
		Where("name = ? AND stream = ? AND version = ? AND id != ?",
			mb.Name, mb.Stream, mb.Version, mb.ID).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load siblings of module %d: %w", mb.ID, err)
	}
	return ids, nil
}

// BuildingComponents returns all components with an in-flight task,
// across all modules. Used by the poller.
func (s *Session) BuildingComponents() ([]*ComponentBuild, error) {
	var comps []*ComponentBuild
	err := s.tx.Where("state = ? AND task_id != 0", int(builder.TaskStateBuilding)).
		Order("id").Find(&comps).Error
	if err != nil {
		return nil, fmt.Errorf("load building components: %w", err)
	}
	return comps, nil
}

// FromComponentEvent correlates a build system event to a component:
// by task id, or by module id for synthesized events.
func (s *Session) FromComponentEvent(taskID, moduleBuildID int64) (*ComponentBuild, error) {
	q := s.tx
	switch {
	case taskID != 0 && moduleBuildID != 0:
		q = q.Where("task_id = ? AND module_id = ?", taskID, moduleBuildID)
	case taskID != 0:
		q = q.Where("task_id = ?", taskID)
	default:
		return nil, fmt.Errorf("component event carries no task id")
	}
	var cb ComponentBuild
	if err := q.First(&cb).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("correlate component event task=%d: %w", taskID, err)
	}
	return &cb, nil
}

// FromComponentNVR finds a module's component by built artifact.
func (s *Session) FromComponentNVR(nvr string, moduleID int64) (*ComponentBuild, error) {
	var cb ComponentBuild
	err := s.tx.Where("nvr = ? AND module_id = ?", nvr, moduleID).First(&cb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load component %s of module %d: %w", nvr, moduleID, err)
	}
	return &cb, nil
}

// FromComponentName finds a module's component by package name.
func (s *Session) FromComponentName(pkg string, moduleID int64) (*ComponentBuild, error) {
	var cb ComponentBuild
	err := s.tx.Where("package = ? AND module_id = ?", pkg, moduleID).First(&cb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load component %s of module %d: %w", pkg, moduleID, err)
	}
	return &cb, nil
}

// FromTagEvent finds the module in BUILD whose tag a bus message
// names, for both repo-done and tag-change correlation; a "-build"
// suffix on the tag is ignored. More than one match is an error: tags
// are per-build.
func (s *Session) FromTagEvent(tag string) (*ModuleBuild, error) {
	kojiTag := TagToKojiTag(tag)
	var builds []*ModuleBuild
	err := s.tx.Where("koji_tag = ? AND state = ?", kojiTag, StateBuild).Find(&builds).Error
	if err != nil {
		return nil, fmt.Errorf("correlate tag %s: %w", tag, err)
	}
	switch len(builds) {
	case 0:
		return nil, nil
	case 1:
		return builds[0], nil
	default:
		return nil, fmt.Errorf("%d module builds in flight for tag %s", len(builds), tag)
	}
}

// LastBuildInStream returns the highest-version READY build of
// (name, stream), nil when none exists.
func (s *Session) LastBuildInStream(name, stream string) (*ModuleBuild, error) {
	var mb ModuleBuild
	err := s.tx.Where("name = ? AND stream = ? AND state = ?", name, stream, StateReady).
		Order("version DESC").First(&mb).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load last build of %s:%s: %w", name, stream, err)
	}
	return &mb, nil
}

// LastBuildsInAllStreams returns the highest-version READY build per
// stream for a module name.
func (s *Session) LastBuildsInAllStreams(name string) ([]*ModuleBuild, error) {
	var streams []string
	err := s.tx.Model(&ModuleBuild{}).
		Where("name = ? AND state = ?", name, StateReady).
		Distinct("stream").
		Pluck("stream", &streams).Error
	if err != nil {
		return nil, fmt.Errorf("load streams of %s: %w", name, err)
	}

	var builds []*ModuleBuild
	for _, stream := range streams {
		mb, err := s.LastBuildInStream(name, stream)
		if err != nil {
			return nil, err
		}
		if mb != nil {
			builds = append(builds, mb)
		}
	}
	return builds, nil
}

// LocalModules returns READY builds imported from a local results
// directory, identified by their koji_tag prefix.
func (s *Session) LocalModules(resultsdir string) ([]*ModuleBuild, error) {
	var builds []*ModuleBuild
	err := s.tx.Where("koji_tag LIKE ? AND state = ?", resultsdir+"%", StateReady).
		Order("id").Find(&builds).Error
	if err != nil {
		return nil, fmt.Errorf("load local modules: %w", err)
	}
	return builds, nil
}

// PreviousNonFailedState returns the last recorded state of the module
// that was not failed. Used when a failed build is resubmitted.
func (s *Session) PreviousNonFailedState(moduleID int64) (ModuleState, error) {
	var trace ModuleBuildTrace
	err := s.tx.Where("module_id = ? AND state != ?", moduleID, StateFailed).
		Order("id DESC").First(&trace).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StateInit, nil
		}
		return 0, fmt.Errorf("load previous state of module %d: %w", moduleID, err)
	}
	return trace.State, nil
}

// ModuleTraces returns a module's trace rows in append order.
func (s *Session) ModuleTraces(moduleID int64) ([]*ModuleBuildTrace, error) {
	var traces []*ModuleBuildTrace
	if err := s.tx.Where("module_id = ?", moduleID).Order("id").Find(&traces).Error; err != nil {
		return nil, fmt.Errorf("load traces of module %d: %w", moduleID, err)
	}
	return traces, nil
}

// ComponentTraces returns a component's trace rows in append order.
func (s *Session) ComponentTraces(componentID int64) ([]*ComponentBuildTrace, error) {
	var traces []*ComponentBuildTrace
	if err := s.tx.Where("component_id = ?", componentID).Order("id").Find(&traces).Error; err != nil {
		return nil, fmt.Errorf("load traces of component %d: %w", componentID, err)
	}
	return traces, nil
}
