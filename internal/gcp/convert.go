package gcp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	compute "google.golang.org/api/compute/v1"
	"k8s.io/utils/ptr"

	"github.com/eleven-am/bastion/internal/domain"
)

func networkURL(project, network string) string {
	if strings.Contains(network, "/") {
		return network
	}
	return fmt.Sprintf("projects/%s/global/networks/%s", project, network)
}

func toFirewall(project string, r domain.Rule) *compute.Firewall {
	fw := &compute.Firewall{
		Name:              r.Name,
		Network:           networkURL(project, r.Network),
		Description:       r.Description,
		Direction:         string(r.Direction),
		Priority:          int64(r.PriorityOrDefault()),
		SourceRanges:      r.SourceRanges,
		SourceTags:        r.SourceTags,
		TargetTags:        r.TargetTags,
		DestinationRanges: r.DestinationRanges,
		Disabled:          r.Disabled,
		LogConfig: &compute.FirewallLogConfig{
			Enable:          r.LogConfig.Enable,
			ForceSendFields: []string{"Enable"},
		},
		ForceSendFields: []string{"Disabled"},
	}
	if fw.Priority == 0 {
		fw.ForceSendFields = append(fw.ForceSendFields, "Priority")
	}
	for _, a := range r.Allowed {
		fw.Allowed = append(fw.Allowed, &compute.FirewallAllowed{IPProtocol: a.IPProtocol, Ports: a.Ports})
	}
	for _, d := range r.Denied {
		fw.Denied = append(fw.Denied, &compute.FirewallDenied{IPProtocol: d.IPProtocol, Ports: d.Ports})
	}
	return fw
}

func toFirewallRecord(fw *compute.Firewall) domain.FirewallRecord {
	r := domain.Rule{
		Name:              fw.Name,
		Network:           domain.NetworkName(fw.Network),
		Description:       fw.Description,
		Direction:         domain.Direction(fw.Direction),
		Priority:          ptr.To(int(fw.Priority)),
		SourceRanges:      fw.SourceRanges,
		SourceTags:        fw.SourceTags,
		TargetTags:        fw.TargetTags,
		DestinationRanges: fw.DestinationRanges,
		Disabled:          fw.Disabled,
	}
	if fw.LogConfig != nil {
		r.LogConfig.Enable = fw.LogConfig.Enable
	}
	for _, a := range fw.Allowed {
		r.Allowed = append(r.Allowed, domain.Action{IPProtocol: a.IPProtocol, Ports: a.Ports})
	}
	for _, d := range fw.Denied {
		r.Denied = append(r.Denied, domain.Action{IPProtocol: d.IPProtocol, Ports: d.Ports})
	}

	rec := domain.FirewallRecord{
		Rule:              r,
		SelfLink:          fw.SelfLink,
		CreationTimestamp: fw.CreationTimestamp,
	}
	if fw.Id != 0 {
		rec.ID = strconv.FormatUint(fw.Id, 10)
	}
	return rec
}

func toOperation(op *compute.Operation) *domain.Operation {
	out := &domain.Operation{
		Name:          op.Name,
		OperationType: op.OperationType,
		TargetLink:    op.TargetLink,
		Status:        domain.OperationStatus(op.Status),
		InsertTime:    parseTime(op.InsertTime),
		StartTime:     parseTime(op.StartTime),
		EndTime:       parseTime(op.EndTime),
	}
	if op.Error != nil {
		for _, e := range op.Error.Errors {
			out.Errors = append(out.Errors, domain.OperationError{Code: e.Code, Message: e.Message})
		}
	}
	return out
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
