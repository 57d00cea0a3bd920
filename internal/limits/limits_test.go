package limits

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/BTreeMap/CivicPipe/internal/models"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"Book appointment", 20, "Book appointment"},
		{"Register a new grievance", 20, "Register a new gr..."},
		{"शिकायत दर्ज करें और स्थिति जानें", 10, "शिकायत ..."},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		got := Truncate(tt.in, tt.max)
		if got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
		if utf8.RuneCountInString(got) > tt.max {
			t.Errorf("Truncate(%q, %d) returned %d characters", tt.in, tt.max, utf8.RuneCountInString(got))
		}
	}
}

func TestCheckButtons(t *testing.T) {
	ok := []models.Button{{ID: "a", Title: "Yes"}, {ID: "b", Title: "No"}}
	if v := CheckButtons(ok); len(v) != 0 {
		t.Fatalf("unexpected violations %v", v)
	}

	tooMany := []models.Button{{ID: "a", Title: "1"}, {ID: "b", Title: "2"}, {ID: "c", Title: "3"}, {ID: "d", Title: "4"}}
	v := CheckButtons(tooMany)
	if len(v) != 1 || v[0].Field != "buttons" || v[0].Actual != 4 {
		t.Fatalf("expected a count violation, got %v", v)
	}

	long := []models.Button{{ID: "a", Title: strings.Repeat("x", MaxButtonTitle+1)}}
	v = CheckButtons(long)
	if len(v) != 1 || v[0].Field != "buttons[0].title" {
		t.Fatalf("expected a title violation, got %v", v)
	}
}

func listWithRows(n int) *models.ListMessage {
	section := models.ListSection{Title: "Dates"}
	for i := 0; i < n; i++ {
		section.Rows = append(section.Rows, models.ListRow{ID: fmt.Sprintf("r%d", i), Title: fmt.Sprintf("Row %d", i)})
	}
	return &models.ListMessage{ButtonText: "Choose", Sections: []models.ListSection{section}}
}

func TestCheckListRowCount(t *testing.T) {
	if v := CheckList(listWithRows(MaxListRows)); len(v) != 0 {
		t.Fatalf("unexpected violations %v", v)
	}
	v := CheckList(listWithRows(MaxListRows + 2))
	if len(v) != 1 || v[0].Actual != MaxListRows+2 {
		t.Fatalf("expected one row-count violation, got %v", v)
	}
}

func TestCheckListTotalRowsAcrossSections(t *testing.T) {
	a := listWithRows(6)
	b := listWithRows(6)
	list := &models.ListMessage{ButtonText: "Choose", Sections: append(a.Sections, b.Sections...)}
	v := CheckList(list)
	if len(v) != 1 || v[0].Field != "list.rows" {
		t.Fatalf("expected total row violation, got %v", v)
	}
}

func TestClampCommandTruncatesOversizedList(t *testing.T) {
	list := listWithRows(14)
	list.Sections[0].Rows[0].Description = strings.Repeat("d", 100)
	cmd := models.OutboundCommand{ParticipantID: "p1", Text: "Pick a date", List: list}

	clamped, violations := ClampCommand(cmd)
	if len(violations) == 0 {
		t.Fatal("expected violations to be reported")
	}
	if got := len(clamped.List.Sections[0].Rows); got != MaxListRows {
		t.Fatalf("expected %d rows, got %d", MaxListRows, got)
	}
	if v := CheckCommand(clamped); len(v) != 0 {
		t.Fatalf("clamped command still violates limits: %v", v)
	}
	if len(cmd.List.Sections[0].Rows) != 14 {
		t.Fatal("input command must not be modified")
	}
}

func TestClampCommandButtons(t *testing.T) {
	cmd := models.OutboundCommand{Text: "Pick", Buttons: []models.Button{
		{ID: "1", Title: "One"}, {ID: "2", Title: "Two"}, {ID: "3", Title: "Three"},
		{ID: "4", Title: "A very long fourth button title"},
	}}
	clamped, _ := ClampCommand(cmd)
	if len(clamped.Buttons) != MaxButtons {
		t.Fatalf("expected %d buttons, got %d", MaxButtons, len(clamped.Buttons))
	}
	if clamped.Buttons[2].ID != "3" {
		t.Errorf("expected declaration order to be kept, got %+v", clamped.Buttons)
	}
}

func TestClampCommandNoopWhenWithinLimits(t *testing.T) {
	cmd := models.OutboundCommand{Text: "Hello", Buttons: []models.Button{{ID: "a", Title: "A"}}}
	clamped, violations := ClampCommand(cmd)
	if violations != nil {
		t.Fatalf("unexpected violations %v", violations)
	}
	if clamped.Buttons[0] != cmd.Buttons[0] {
		t.Error("command changed")
	}
}
