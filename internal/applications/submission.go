package applications

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/memberreview/internal/patch"
)

// Section names of the composite submission document.
const (
	SectionPersonalInfo        = "personalInfo"
	SectionContactInfo         = "contactInfo"
	SectionProfessionalDetails = "professionalDetails"
	SectionSubscriptionDetails = "subscriptionDetails"
)

// Field names referenced by review policy.
const (
	FieldMembershipCategory = "membershipCategory"
	FieldDateJoined         = "dateJoined"
	FieldPreferredEmail     = "preferredEmail"
	FieldPersonalEmail      = "personalEmail"
	FieldWorkEmail          = "workEmail"
)

// ErrSectionNotObject indicates that a document section is not a JSON object.
var ErrSectionNotObject = errors.New("applications: section is not an object")

// sectionFields is the allow-list of fields each section may carry.
var sectionFields = map[string][]string{
	SectionPersonalInfo: {
		"title", "forename", "surname", "dateOfBirth", "gender", "countryPrimaryQualification",
	},
	SectionContactInfo: {
		"preferredAddress", "addressLine1", "addressLine2", "addressLine3", "addressLine4", "eircode",
		"mobileNumber", "telephoneNumber", FieldPreferredEmail, FieldPersonalEmail, FieldWorkEmail, "consent",
	},
	SectionProfessionalDetails: {
		FieldMembershipCategory, "workLocation", "otherWorkLocation", "branch", "region", "grade",
		"otherGrade", "nmbiNumber", "nursingSpecialization", "retiredDate", "pensionNo",
		"studyLocation", "graduationDate",
	},
	SectionSubscriptionDetails: {
		FieldMembershipCategory, "paymentType", "payrollNo", "paymentFrequency", FieldDateJoined,
		"submissionDate", "membershipStatus", "incomeProtectionScheme", "inmoRewards", "valueAddedServices",
	},
}

// SectionNames lists the submission sections in document order.
func SectionNames() []string {
	return []string{SectionPersonalInfo, SectionContactInfo, SectionProfessionalDetails, SectionSubscriptionDetails}
}

// SectionFields returns the allowed field names of a section.
func SectionFields(section string) []string {
	return append([]string(nil), sectionFields[section]...)
}

// PatchScope returns the scope overlay patches are validated against. The membership category
// is owned by the subscription section; the professional copy is read-only for reviewers.
func PatchScope() *patch.Scope {
	return patch.NewScope(sectionFields).Deny(
		patch.JoinPointer(SectionProfessionalDetails, FieldMembershipCategory),
		"membership category is changed through subscriptionDetails",
	)
}

// Section is a flat mapping of field name to scalar value.
type Section map[string]any

// Submission is the composite, read-only view of an application across its three records.
type Submission struct {
	PersonalInfo        Section `json:"personalInfo"`
	ContactInfo         Section `json:"contactInfo"`
	ProfessionalDetails Section `json:"professionalDetails"`
	SubscriptionDetails Section `json:"subscriptionDetails"`
}

// Document renders the submission as a patchable JSON document.
func (s Submission) Document() patch.Document {
	return patch.Document{
		SectionPersonalInfo:        map[string]any(nonNil(s.PersonalInfo)),
		SectionContactInfo:         map[string]any(nonNil(s.ContactInfo)),
		SectionProfessionalDetails: map[string]any(nonNil(s.ProfessionalDetails)),
		SectionSubscriptionDetails: map[string]any(nonNil(s.SubscriptionDetails)),
	}
}

// Section returns the named section.
func (s Submission) Section(name string) Section {
	switch name {
	case SectionPersonalInfo:
		return s.PersonalInfo
	case SectionContactInfo:
		return s.ContactInfo
	case SectionProfessionalDetails:
		return s.ProfessionalDetails
	case SectionSubscriptionDetails:
		return s.SubscriptionDetails
	default:
		return nil
	}
}

// SubmissionFromDocument converts a document back into a submission, keeping only allow-listed
// fields. Missing sections become empty.
func SubmissionFromDocument(doc patch.Document) (Submission, error) {
	sections := make(map[string]Section, 4)
	for _, name := range SectionNames() {
		raw, ok := doc[name]
		if !ok || raw == nil {
			sections[name] = Section{}
			continue
		}
		var fields map[string]any
		switch typed := raw.(type) {
		case map[string]any:
			fields = typed
		case Section:
			fields = typed
		case patch.Document:
			fields = typed
		default:
			return Submission{}, fmt.Errorf("%w: %s", ErrSectionNotObject, name)
		}
		sections[name] = filterSection(name, fields)
	}
	return Submission{
		PersonalInfo:        sections[SectionPersonalInfo],
		ContactInfo:         sections[SectionContactInfo],
		ProfessionalDetails: sections[SectionProfessionalDetails],
		SubscriptionDetails: sections[SectionSubscriptionDetails],
	}, nil
}

// NormalizeDocument guarantees every section exists as an object so diffs stay at field level.
// Top-level members that are not sections are kept so scope validation can reject them.
func NormalizeDocument(doc patch.Document) patch.Document {
	normalized := make(patch.Document, len(doc)+4)
	for key, value := range doc {
		normalized[key] = value
	}
	for _, name := range SectionNames() {
		if value, ok := normalized[name]; !ok || value == nil {
			normalized[name] = map[string]any{}
		}
	}
	return normalized
}

func filterSection(name string, fields map[string]any) Section {
	allowed := sectionFields[name]
	filtered := make(Section, len(fields))
	for _, field := range allowed {
		if value, ok := fields[field]; ok {
			filtered[field] = value
		}
	}
	return filtered
}

func nonNil(section Section) Section {
	if section == nil {
		return Section{}
	}
	return section
}

// IsBlank reports whether a field is absent, null, or an empty string.
func (s Section) IsBlank(field string) bool {
	value, ok := s[field]
	if !ok || value == nil {
		return true
	}
	if text, isText := value.(string); isText && strings.TrimSpace(text) == "" {
		return true
	}
	return false
}

// String returns a trimmed string field or "".
func (s Section) String(field string) string {
	value, ok := s[field].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

// Clone returns a shallow copy of the section.
func (s Section) Clone() Section {
	cloned := make(Section, len(s))
	for key, value := range s {
		cloned[key] = value
	}
	return cloned
}

// BackfillMembershipCategory copies the professional membership category into the subscription
// section when the subscription has none. It reports whether a value was copied.
func (s *Submission) BackfillMembershipCategory() bool {
	if s.SubscriptionDetails == nil {
		s.SubscriptionDetails = Section{}
	}
	if !s.SubscriptionDetails.IsBlank(FieldMembershipCategory) {
		return false
	}
	if s.ProfessionalDetails.IsBlank(FieldMembershipCategory) {
		return false
	}
	s.SubscriptionDetails[FieldMembershipCategory] = s.ProfessionalDetails[FieldMembershipCategory]
	return true
}
