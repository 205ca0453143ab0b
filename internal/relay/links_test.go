package relay

import "testing"

func TestExtractDocURL(t *testing.T) {
	cases := []struct {
		name string
		text string
		want string
	}{
		{name: "docx", text: "please process https://acme.feishu.cn/docx/abcXYZ", want: "https://acme.feishu.cn/docx/abcXYZ"},
		{name: "wiki with suffix", text: "see https://team-a.feishu.cn/wiki/Wk_12-x?from=chat thanks", want: "https://team-a.feishu.cn/wiki/Wk_12-x"},
		{name: "larkoffice", text: "https://corp.larkoffice.com/sheets/shtABC", want: "https://corp.larkoffice.com/sheets/shtABC"},
		{name: "first wins", text: "https://a.feishu.cn/base/one and https://b.feishu.cn/base/two", want: "https://a.feishu.cn/base/one"},
		{name: "plain http rejected", text: "http://acme.feishu.cn/docx/abc", want: ""},
		{name: "unknown kind", text: "https://acme.feishu.cn/minutes/abc", want: ""},
		{name: "no link", text: "hello bot", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractDocURL(tc.text)
			if tc.want == "" {
				if ok {
					t.Fatalf("expected no link, got %q", got)
				}
				return
			}
			if !ok || got != tc.want {
				t.Fatalf("expected %q, got %q (ok=%v)", tc.want, got, ok)
			}
		})
	}
}
