package project

import (
	"reflect"

	"github.com/eleven-am/bastion/internal/domain"
	"github.com/eleven-am/bastion/internal/enforcer"
	"github.com/eleven-am/bastion/internal/ruleset"
)

func (c *Coordinator) populate(result *domain.EnforcementResult, enf *enforcer.Enforcer, before, after *ruleset.RuleSet) {
	fw := &result.Firewall
	fw.RulesAdded = enf.Inserted()
	fw.RulesRemoved = enf.Deleted()
	fw.RulesUpdated = enf.Updated()
	fw.RulesModifiedCount = len(fw.RulesAdded) + len(fw.RulesRemoved) + len(fw.RulesUpdated)

	if after == nil {
		c.logger.Error("could not list firewall rules after enforcement")
		fw.RulesBefore = c.snapshot(before)
		return
	}

	if !before.Equal(after) {
		fw.RulesBefore = c.snapshot(before)
		fw.RulesAfter = c.snapshot(after)
	}

	for _, name := range after.Names() {
		now, _ := after.Get(name)
		was, ok := before.Get(name)
		if ok && reflect.DeepEqual(now, was) {
			fw.RulesUnchanged = append(fw.RulesUnchanged, name)
		}
	}

	if result.Status == domain.StatusSuccess &&
		fw.RulesModifiedCount > 0 &&
		len(fw.RulesUpdated) == 0 &&
		len(fw.RulesUnchanged) == 0 &&
		len(fw.RulesRemoved) >= before.Len() &&
		len(fw.RulesAdded) == after.Len() {
		c.logger.Info("project had all of its firewall rules changed")
		fw.AllRulesChanged = true
	}
}

func (c *Coordinator) snapshot(rs *ruleset.RuleSet) *domain.RuleSnapshot {
	snap, err := rs.Snapshot()
	if err != nil {
		c.logger.Error("unable to snapshot firewall rules", "err", err)
		return nil
	}
	return snap
}
