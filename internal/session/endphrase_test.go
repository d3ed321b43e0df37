package session

import "testing"

func TestEndPhraseDetector(t *testing.T) {
	tests := []struct {
		name     string
		phonetic bool
		text     string
		want     string
	}{
		{"exact", false, "end session", "end session"},
		{"case and punctuation", false, "OK, that's ALL for today!", "that's all for today"},
		{"curly apostrophe", false, "I’m done for today, thanks", "i'm done for today"},
		{"substring", false, "alright goodbye lumi see you", "goodbye lumi"},
		{"no match", false, "today was good", ""},
		{"misheard without phonetic", false, "goodbye loomy", ""},
		{"misheard with phonetic", true, "goodbye loomy", "goodbye lumi"},
		{"unrelated with phonetic", true, "good morning everyone", ""},
		{"empty", true, "  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewEndPhraseDetector(nil, tt.phonetic)
			got, ok := d.Match(tt.text)
			if ok != (tt.want != "") || got != tt.want {
				t.Errorf("Match(%q) = %q, %v; want %q", tt.text, got, ok, tt.want)
			}
		})
	}
}

func TestEndPhraseDetector_CustomPhrases(t *testing.T) {
	d := NewEndPhraseDetector([]string{"Stop Recording", " "}, false)
	if _, ok := d.Match("please stop recording now"); !ok {
		t.Error("custom phrase not matched")
	}
	if _, ok := d.Match("end session"); ok {
		t.Error("default phrase matched when custom phrases are set")
	}
}
