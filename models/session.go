package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/modularity/mbs/messaging"
)

// Session is one transactional unit of work. Every write through it
// stages a trace snapshot of the entity's state; before commit, one
// trace row is appended per snapshot whose state or state reason
// differs from the entity's previous trace, in mutation order. A
// build created in INIT and transitioned to WAIT in the same session
// therefore traces both states. Events staged with StageEvent ride
// along and are handed to the caller only after a successful commit.
type Session struct {
	tx              *gorm.DB
	moduleTraces    []ModuleBuildTrace
	componentTraces []ComponentBuildTrace
	outbox          []messaging.Event
}

func newSession(tx *gorm.DB) *Session {
	return &Session{tx: tx}
}

// DB exposes the transaction for query helpers.
func (s *Session) DB() *gorm.DB { return s.tx }

// CreateModule inserts a new module build and tracks it for tracing.
func (s *Session) CreateModule(mb *ModuleBuild) error {
	now := time.Now().UTC()
	if mb.TimeSubmitted.IsZero() {
		mb.TimeSubmitted = now
	}
	mb.TimeModified = now
	if err := s.tx.Create(mb).Error; err != nil {
		return fmt.Errorf("create module build %s: %w", mb.NSVC(), err)
	}
	s.stageModuleTrace(mb)
	return nil
}

// SaveModule persists changes to a module build and tracks it.
func (s *Session) SaveModule(mb *ModuleBuild) error {
	mb.TimeModified = time.Now().UTC()
	if err := s.tx.Save(mb).Error; err != nil {
		return fmt.Errorf("save module build %d: %w", mb.ID, err)
	}
	s.stageModuleTrace(mb)
	return nil
}

// CreateComponent inserts a new component build and tracks it.
func (s *Session) CreateComponent(cb *ComponentBuild) error {
	if err := s.tx.Create(cb).Error; err != nil {
		return fmt.Errorf("create component %s: %w", cb.Package, err)
	}
	s.stageComponentTrace(cb)
	return nil
}

// SaveComponent persists changes to a component build and tracks it.
func (s *Session) SaveComponent(cb *ComponentBuild) error {
	if err := s.tx.Save(cb).Error; err != nil {
		return fmt.Errorf("save component %d: %w", cb.ID, err)
	}
	s.stageComponentTrace(cb)
	return nil
}

// DeleteComponents removes all components of a module. Used when a
// failed build is resubmitted with a changed component list.
func (s *Session) DeleteComponents(moduleID int64) error {
	if err := s.tx.Where("module_id = ?", moduleID).Delete(&ComponentBuild{}).Error; err != nil {
		return fmt.Errorf("delete components of module %d: %w", moduleID, err)
	}
	return nil
}

// Transition moves a module build to a new state, stamps the completion
// time on terminal-ish states, and stages the outbound state change
// event.
func (s *Session) Transition(mb *ModuleBuild, state ModuleState, reason string) error {
	if !state.Valid() {
		return fmt.Errorf("invalid module state %d", int(state))
	}

	mb.State = state
	mb.StateReason = reason
	now := time.Now().UTC()
	if state == StateDone || state == StateFailed || state == StateReady {
		mb.TimeCompleted = &now
	}
	if err := s.SaveModule(mb); err != nil {
		return err
	}

	s.StageEvent(&messaging.ModuleStateChanged{
		MsgID:         messaging.NewMsgID(),
		ModuleBuildID: mb.ID,
		State:         int(state),
	})
	return nil
}

// StageEvent queues an event for publication after commit.
func (s *Session) StageEvent(ev messaging.Event) {
	s.outbox = append(s.outbox, ev)
}

// stageModuleTrace snapshots the module's state for the commit-time
// trace pass.
func (s *Session) stageModuleTrace(mb *ModuleBuild) {
	s.moduleTraces = append(s.moduleTraces, ModuleBuildTrace{
		ModuleID:    mb.ID,
		State:       mb.State,
		StateReason: mb.StateReason,
	})
}

// stageComponentTrace snapshots the component's state for the
// commit-time trace pass.
func (s *Session) stageComponentTrace(cb *ComponentBuild) {
	s.componentTraces = append(s.componentTraces, ComponentBuildTrace{
		ComponentID: cb.ID,
		State:       copyIntPtr(cb.State),
		StateReason: cb.StateReason,
		TaskID:      cb.TaskID,
	})
}

// flushTraces appends the staged trace snapshots in mutation order,
// skipping snapshots whose state and state reason match the entity's
// previous trace. Runs inside the transaction so a rollback discards
// trace rows too.
func (s *Session) flushTraces() error {
	now := time.Now().UTC()

	lastModule := make(map[int64]ModuleBuildTrace)
	for _, trace := range s.moduleTraces {
		last, known := lastModule[trace.ModuleID]
		if !known {
			var prev ModuleBuildTrace
			err := s.tx.Where("module_id = ?", trace.ModuleID).Order("id DESC").First(&prev).Error
			switch {
			case err == nil:
				last, known = prev, true
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return fmt.Errorf("load last trace for module %d: %w", trace.ModuleID, err)
			}
		}
		if known && last.State == trace.State && last.StateReason == trace.StateReason {
			lastModule[trace.ModuleID] = last
			continue
		}
		trace.StateTime = now
		if err := s.tx.Create(&trace).Error; err != nil {
			return fmt.Errorf("append trace for module %d: %w", trace.ModuleID, err)
		}
		lastModule[trace.ModuleID] = trace
	}

	lastComponent := make(map[int64]ComponentBuildTrace)
	for _, trace := range s.componentTraces {
		last, known := lastComponent[trace.ComponentID]
		if !known {
			var prev ComponentBuildTrace
			err := s.tx.Where("component_id = ?", trace.ComponentID).Order("id DESC").First(&prev).Error
			switch {
			case err == nil:
				last, known = prev, true
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return fmt.Errorf("load last trace for component %d: %w", trace.ComponentID, err)
			}
		}
		if known && intPtrEqual(last.State, trace.State) && last.StateReason == trace.StateReason {
			lastComponent[trace.ComponentID] = last
			continue
		}
		trace.StateTime = now
		if err := s.tx.Create(&trace).Error; err != nil {
			return fmt.Errorf("append trace for component %d: %w", trace.ComponentID, err)
		}
		lastComponent[trace.ComponentID] = trace
	}

	return nil
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
