package logic

// FilterRule selects monitors by name. A non-empty Allowlist wins and the
// Denylist is ignored.
type FilterRule struct {
	Allowlist []string
	Denylist  []string
}

// Mode names the rule that FilterMonitors will apply.
func (r FilterRule) Mode() string {
	switch {
	case len(r.Allowlist) > 0:
		return "whitelist"
	case len(r.Denylist) > 0:
		return "blacklist"
	default:
		return "none"
	}
}

// FilterMonitors keeps input order. With an empty rule the input is returned
// as is.
func FilterMonitors(monitors []Monitor, rule FilterRule) []Monitor {
	switch {
	case len(rule.Allowlist) > 0:
		allow := toSet(rule.Allowlist)
		out := make([]Monitor, 0, len(monitors))
		for _, m := range monitors {
			if _, ok := allow[m.Name]; ok {
				out = append(out, m)
			}
		}
		return out
	case len(rule.Denylist) > 0:
		deny := toSet(rule.Denylist)
		out := make([]Monitor, 0, len(monitors))
		for _, m := range monitors {
			if _, ok := deny[m.Name]; !ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return monitors
	}
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
