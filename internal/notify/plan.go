package notify

import (
	"fmt"
	"strings"
	"time"

	"settlement/internal/model"

	"github.com/google/uuid"
)

// Audience 决定一条路由发给谁。
type Audience int

const (
	AudienceCustomer Audience = iota
	AudienceAdmins
)

// Route 一条通知路由：通道 + 等级 + 模板 + 受众。
type Route struct {
	Channel  string
	Tier     model.NotificationTier
	Template string
	Audience Audience
}

// Plan 按订单类型配置结算成功后要发出的通知。
type Plan struct {
	byKind   map[string][]Route
	fallback []Route
	conflict []Route
	admins   []string
}

// NewPlan creates a plan whose fallback routes apply to every order kind
// without an explicit entry.
func NewPlan(admins []string, fallback ...Route) *Plan {
	return &Plan{
		byKind:   map[string][]Route{},
		fallback: fallback,
		admins:   dedupe(admins),
	}
}

// For sets the routes for one order kind.
func (p *Plan) For(kind string, routes ...Route) *Plan {
	p.byKind[kind] = routes
	return p
}

// OnConflict sets the routes used when a paid order hits exhausted capacity.
func (p *Plan) OnConflict(routes ...Route) *Plan {
	p.conflict = routes
	return p
}

// Validate 关键（critical）副作用属于履约事务本身，不能作为通知 attempt 排队。
func (p *Plan) Validate() error {
	all := append(append([]Route{}, p.fallback...), p.conflict...)
	for _, rs := range p.byKind {
		all = append(all, rs...)
	}
	for _, r := range all {
		if strings.TrimSpace(r.Channel) == "" || strings.TrimSpace(r.Template) == "" {
			return fmt.Errorf("route needs channel and template: %+v", r)
		}
		switch r.Tier {
		case model.TierBestEffort, model.TierOptional:
		case model.TierCritical:
			return fmt.Errorf("critical route %s/%s must be a fulfillment effect", r.Channel, r.Template)
		default:
			return fmt.Errorf("unknown tier %q", r.Tier)
		}
	}
	return nil
}

// Attempts 为已完成订单生成每个通道/等级/收件人一条的 attempt。
func (p *Plan) Attempts(o *model.Order, now time.Time) []model.NotificationAttempt {
	routes, ok := p.byKind[o.Kind]
	if !ok {
		routes = p.fallback
	}
	return p.expand(routes, o, now)
}

// ConflictAlerts 生成容量冲突告警。
func (p *Plan) ConflictAlerts(o *model.Order, now time.Time) []model.NotificationAttempt {
	return p.expand(p.conflict, o, now)
}

func (p *Plan) expand(routes []Route, o *model.Order, now time.Time) []model.NotificationAttempt {
	var out []model.NotificationAttempt
	for _, r := range routes {
		for _, recipient := range p.recipients(r.Audience, o) {
			out = append(out, model.NotificationAttempt{
				ID:          uuid.NewString(),
				OrderID:     o.ID,
				Channel:     r.Channel,
				Recipient:   recipient,
				Template:    r.Template,
				Tier:        r.Tier,
				Status:      model.NotificationPending,
				NextRetryAt: now.UTC(),
			})
		}
	}
	return out
}

func (p *Plan) recipients(a Audience, o *model.Order) []string {
	switch a {
	case AudienceCustomer:
		if strings.TrimSpace(o.CustomerRef) == "" {
			return nil
		}
		return []string{o.CustomerRef}
	case AudienceAdmins:
		return p.admins
	default:
		return nil
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
