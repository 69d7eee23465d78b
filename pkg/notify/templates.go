package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"
)

// Template names a registered email template.
type Template string

const (
	TemplateBloodRequest        Template = "blood_request"
	TemplateRequestConfirmation Template = "request_confirmation"
	TemplateServiceTest         Template = "service_test"
)

// TemplateData is the render context shared by every template.
type TemplateData struct {
	RecipientName string
	HospitalName  string
	BloodGroup    string
	UnitsRequired int
	Urgency       string
	PatientName   string
	ContactPerson string
	ContactNumber string
	Location      string
	Purpose       string
	RequestID     string
	Status        string
	Timestamp     time.Time
}

type rendered struct {
	subject string
	html    string
	text    string
}

type emailTemplate struct {
	subject *texttemplate.Template
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

var templateFuncs = map[string]any{
	"upper":  strings.ToUpper,
	"urgent": func(u string) bool { return u == "high" || u == "critical" },
	"stamp":  func(t time.Time) string { return t.UTC().Format("02 Jan 2006 15:04 MST") },
	"orDash": func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "-"
		}
		return s
	},
}

const bloodRequestSubject = `{{if urgent .Urgency}}URGENT: {{end}}{{.BloodGroup}} blood needed at {{.HospitalName}}`

const bloodRequestHTML = `<!doctype html>
<html><body style="font-family:Arial,sans-serif;color:#222">
<h2 style="color:#b71c1c">{{if urgent .Urgency}}Urgent {{end}}blood request</h2>
<p>Dear {{.RecipientName}},</p>
<p><strong>{{.HospitalName}}</strong> is looking for donors with blood group
<strong>{{.BloodGroup}}</strong>.</p>
<table cellpadding="4">
<tr><td>Units required</td><td>{{.UnitsRequired}}</td></tr>
<tr><td>Urgency</td><td>{{upper .Urgency}}</td></tr>
<tr><td>Location</td><td>{{orDash .Location}}</td></tr>
<tr><td>Purpose</td><td>{{orDash .Purpose}}</td></tr>
<tr><td>Contact person</td><td>{{orDash .ContactPerson}}</td></tr>
<tr><td>Contact number</td><td>{{orDash .ContactNumber}}</td></tr>
</table>
<p>If you are able to donate, please reach out to the hospital directly.</p>
<p style="font-size:12px;color:#777">Sent {{stamp .Timestamp}}</p>
</body></html>`

const bloodRequestText = `Dear {{.RecipientName}},

{{.HospitalName}} is looking for donors with blood group {{.BloodGroup}}.

Units required: {{.UnitsRequired}}
Urgency: {{upper .Urgency}}
Location: {{orDash .Location}}
Purpose: {{orDash .Purpose}}
Contact person: {{orDash .ContactPerson}}
Contact number: {{orDash .ContactNumber}}

If you are able to donate, please reach out to the hospital directly.
Sent {{stamp .Timestamp}}
`

const confirmationSubject = `Blood request received: {{.BloodGroup}} x{{.UnitsRequired}}`

const confirmationHTML = `<!doctype html>
<html><body style="font-family:Arial,sans-serif;color:#222">
<h2>Request received</h2>
<p>Dear {{.RecipientName}},</p>
<p>Your request for <strong>{{.UnitsRequired}}</strong> unit(s) of <strong>{{.BloodGroup}}</strong>
has been recorded with status <strong>{{.Status}}</strong>.</p>
<p>Reference: {{.RequestID}}<br>Patient: {{orDash .PatientName}}<br>Urgency: {{upper .Urgency}}</p>
<p style="font-size:12px;color:#777">Recorded {{stamp .Timestamp}}</p>
</body></html>`

const confirmationText = `Dear {{.RecipientName}},

Your request for {{.UnitsRequired}} unit(s) of {{.BloodGroup}} has been recorded with status {{.Status}}.

Reference: {{.RequestID}}
Patient: {{orDash .PatientName}}
Urgency: {{upper .Urgency}}
Recorded {{stamp .Timestamp}}
`

const serviceTestSubject = `Blood bank mail service test`

const serviceTestHTML = `<!doctype html>
<html><body style="font-family:Arial,sans-serif;color:#222">
<p>Hello {{.RecipientName}},</p>
<p>This message confirms that outgoing mail is configured correctly.</p>
<p style="font-size:12px;color:#777">Sent {{stamp .Timestamp}}</p>
</body></html>`

const serviceTestText = `Hello {{.RecipientName}},

This message confirms that outgoing mail is configured correctly.
Sent {{stamp .Timestamp}}
`

func parseTemplates() (map[Template]emailTemplate, error) {
	sources := map[Template][3]string{
		TemplateBloodRequest:        {bloodRequestSubject, bloodRequestHTML, bloodRequestText},
		TemplateRequestConfirmation: {confirmationSubject, confirmationHTML, confirmationText},
		TemplateServiceTest:         {serviceTestSubject, serviceTestHTML, serviceTestText},
	}
	out := make(map[Template]emailTemplate, len(sources))
	for name, src := range sources {
		subject, err := texttemplate.New(string(name) + ".subject").Funcs(templateFuncs).Parse(src[0])
		if err != nil {
			return nil, fmt.Errorf("parse %s subject: %w", name, err)
		}
		html, err := htmltemplate.New(string(name) + ".html").Funcs(templateFuncs).Parse(src[1])
		if err != nil {
			return nil, fmt.Errorf("parse %s html: %w", name, err)
		}
		text, err := texttemplate.New(string(name) + ".text").Funcs(templateFuncs).Parse(src[2])
		if err != nil {
			return nil, fmt.Errorf("parse %s text: %w", name, err)
		}
		out[name] = emailTemplate{subject: subject, html: html, text: text}
	}
	return out, nil
}

func (t emailTemplate) render(data TemplateData) (rendered, error) {
	var subject, html, text bytes.Buffer
	if err := t.subject.Execute(&subject, data); err != nil {
		return rendered{}, fmt.Errorf("render subject: %w", err)
	}
	if err := t.html.Execute(&html, data); err != nil {
		return rendered{}, fmt.Errorf("render html: %w", err)
	}
	if err := t.text.Execute(&text, data); err != nil {
		return rendered{}, fmt.Errorf("render text: %w", err)
	}
	return rendered{
		subject: strings.TrimSpace(subject.String()),
		html:    html.String(),
		text:    text.String(),
	}, nil
}
