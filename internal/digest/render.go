package digest

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/pkg/email"
)

const htmlBody = `<!doctype html>
<html>
<body style="font-family: -apple-system, Helvetica, Arial, sans-serif; color: #1f2328;">
<h2 style="margin-bottom: 4px;">{{.Count}} new {{if eq .Count 1}}lead{{else}}leads{{end}} for you</h2>
{{if .Business}}<p style="color: #59636e; margin-top: 0;">Matched against: {{.Business}}</p>{{end}}
<table cellpadding="8" cellspacing="0" style="border-collapse: collapse; width: 100%;">
{{range .Leads}}<tr style="border-bottom: 1px solid #d1d9e0;">
<td><span style="font-size: 12px; font-weight: 600; color: {{categoryColor .MatchCategory}};">{{.MatchCategory}}</span></td>
<td><a href="{{.URL}}">{{.Title}}</a><br><span style="font-size: 12px; color: #59636e;">r/{{.CommunityID}}</span></td>
</tr>
{{end}}</table>
<p><a href="{{.AppURL}}/leads">Open your dashboard</a></p>
</body>
</html>
`

const textBody = `{{.Count}} new leads for you
{{range .Leads}}
[{{.MatchCategory}}] {{.Title}}
r/{{.CommunityID}} {{.URL}}
{{end}}
Open your dashboard: {{.AppURL}}/leads
`

var (
	htmlTmpl = htmltemplate.Must(htmltemplate.New("digest").Funcs(htmltemplate.FuncMap{
		"categoryColor": categoryColor,
	}).Parse(htmlBody))
	textTmpl = texttemplate.Must(texttemplate.New("digest").Parse(textBody))
)

func categoryColor(c model.Category) string {
	switch c {
	case model.CategoryHigh:
		return "#1a7f37"
	case model.CategoryMedium:
		return "#9a6700"
	default:
		return "#59636e"
	}
}

// Renderer turns a selection into an email.
type Renderer struct {
	From   string
	AppURL string
}

type view struct {
	Count    int
	Business string
	Leads    []model.Lead
	AppURL   string
}

// Render builds the digest email for acct.
func (r Renderer) Render(acct model.Account, leads []model.Lead) (email.Message, error) {
	v := view{
		Count:    len(leads),
		Business: acct.Description,
		Leads:    leads,
		AppURL:   strings.TrimSuffix(r.AppURL, "/"),
	}

	var h, t bytes.Buffer
	if err := htmlTmpl.Execute(&h, v); err != nil {
		return email.Message{}, eris.Wrap(err, "digest: render html")
	}
	if err := textTmpl.Execute(&t, v); err != nil {
		return email.Message{}, eris.Wrap(err, "digest: render text")
	}

	subject := fmt.Sprintf("%d new leads for you", len(leads))
	if len(leads) == 1 {
		subject = "1 new lead for you"
	}
	return email.Message{
		From:    r.From,
		To:      []string{acct.Email},
		Subject: subject,
		HTML:    h.String(),
		Text:    t.String(),
	}, nil
}
