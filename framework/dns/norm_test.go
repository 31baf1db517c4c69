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

package dns

import (
	"testing"
)

func TestForLookup(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"example.org", "example.org"},
		{"EXAMPLE.ORG", "example.org"},
		{"example.org.", "example.org"},
		{"xn--e1afmkfd.example", "пример.example"},
		{"ПРИМЕР.example", "пример.example"},
	}
	for _, tc := range tests {
		out, err := ForLookup(tc.in)
		if err != nil {
			t.Errorf("ForLookup(%q): %v", tc.in, err)
			continue
		}
		if out != tc.out {
			t.Errorf("ForLookup(%q) = %q, want %q", tc.in, out, tc.out)
		}
	}
}

func TestDomainEqual(t *testing.T) {
	tests := []struct {
		a, b  string
		equal bool
	}{
		{"example.org", "example.org", true},
		{"EXAMPLE.org", "example.ORG", true},
		{"example.org.", "example.org", true},
		{"xn--e1afmkfd.example", "пример.example", true},
		{"example.org", "example.com", false},
	}
	for _, tc := range tests {
		if got := Equal(tc.a, tc.b); got != tc.equal {
			t.Errorf("Equal(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.equal)
		}
	}
}

func TestSelectIDNA(t *testing.T) {
	ascii, err := SelectIDNA(false, "пример.example")
	if err != nil || ascii != "xn--e1afmkfd.example" {
		t.Errorf("A-label form = %q, %v", ascii, err)
	}

	unicode, err := SelectIDNA(true, "xn--e1afmkfd.example")
	if err != nil || unicode != "пример.example" {
		t.Errorf("U-label form = %q, %v", unicode, err)
	}
}
