/*
Kestrel SMTP Server - High-throughput extensible SMTP server platform.
Copyright © 2023-2026 The Kestrel developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package antispam

import (
	"context"
	"regexp"
	"strings"
)

// ContentRule matches the subject or body against a pattern.
type ContentRule struct {
	// Substring match, case-insensitive. Ignored when Regexp is set.
	Keyword string
	// Anchored nowhere, standard RE2 syntax.
	Regexp string
	// Score added per matching rule. Zero means 20.
	Score int
	// SubjectOnly restricts the rule to the Subject header.
	SubjectOnly bool
}

type compiledRule struct {
	ContentRule
	re *regexp.Regexp
}

// Content scores messages by keyword and regexp rules over the subject and
// body text. Rules are compiled once at construction.
type Content struct {
	rules []compiledRule
}

func NewContent(rules []ContentRule) (*Content, error) {
	c := &Content{rules: make([]compiledRule, 0, len(rules))}
	for _, rule := range rules {
		compiled := compiledRule{ContentRule: rule}
		if rule.Regexp != "" {
			re, err := regexp.Compile("(?i)" + rule.Regexp)
			if err != nil {
				return nil, err
			}
			compiled.re = re
		}
		c.rules = append(c.rules, compiled)
	}
	return c, nil
}

func (c *Content) Name() string { return "content" }

func (c *Content) Check(_ context.Context, m *Mail) (CheckResult, error) {
	subject := ""
	if hdr, err := m.Header(); err == nil {
		subject = hdr.Get("Subject")
	}
	body := strings.ToLower(string(m.Body()))
	subjectLower := strings.ToLower(subject)

	cr := CheckResult{}
	var matched []string
	for _, rule := range c.rules {
		target := subjectLower
		targetOrig := subject
		if !rule.SubjectOnly {
			target = subjectLower + "\n" + body
			targetOrig = subject + "\n" + string(m.Body())
		}

		var hit bool
		if rule.re != nil {
			hit = rule.re.MatchString(targetOrig)
		} else if rule.Keyword != "" {
			hit = strings.Contains(target, strings.ToLower(rule.Keyword))
		}
		if !hit {
			continue
		}

		score := rule.Score
		if score == 0 {
			score = 20
		}
		cr.Score += score
		if rule.Keyword != "" {
			matched = append(matched, rule.Keyword)
		} else {
			matched = append(matched, rule.Regexp)
		}
	}

	if len(matched) != 0 {
		cr.Reason = "matched rules: " + strings.Join(matched, ", ")
	}
	if cr.Score > 100 {
		cr.Score = 100
		cr.IsSpam = true
	}
	return cr, nil
}
