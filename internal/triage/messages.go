package triage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog holds every text the triage dialogue can send.
type Catalog struct {
	Greeting       string `yaml:"greeting"`
	AreaMenu       string `yaml:"area_menu"`
	PrisonStatus   string `yaml:"prison_status"`
	Custody        string `yaml:"custody"`
	CallPermission string `yaml:"call_permission"`
	CallFailed     string `yaml:"call_failed"`
	HasLawyer      string `yaml:"has_lawyer"`
	LeadData       string `yaml:"lead_data"`
	LawyerSwitch   string `yaml:"lawyer_switch"`
	ProcessData    string `yaml:"process_data"`
	Conflict       string `yaml:"conflict"`
	BusinessHours  string `yaml:"business_hours"`
	AfterHours     string `yaml:"after_hours"`
	// Fallback is sent by the assistant variant when no generated reply is available.
	Fallback string `yaml:"fallback"`
}

// ErrIncompleteCatalog is returned when a catalog leaves a message empty.
var ErrIncompleteCatalog = errors.New("message catalog is incomplete")

// DefaultCatalog returns the office's standard Portuguese texts.
func DefaultCatalog() Catalog {
	return Catalog{
		Greeting: "Olá! Você está falando com o atendimento do escritório. " +
			"Vamos entender o seu caso para direcionar ao advogado certo.",
		AreaMenu: "Qual é a área do seu caso? Responda com o número:\n" +
			"1 - Criminal\n2 - Família\n3 - Cível\n4 - Trabalhista\n5 - Outros",
		PrisonStatus:   "A prisão aconteceu hoje ou a pessoa já está presa há mais tempo?",
		Custody:        "A audiência de custódia já aconteceu?",
		CallPermission: "Este caso é urgente. Podemos te ligar agora?",
		CallFailed: "Tentamos te ligar, mas a ligação não completou. " +
			"Por favor, ligue para o escritório o quanto antes.",
		HasLawyer: "Você já tem advogado constituído neste caso?",
		LeadData: "Por favor, envie em uma única mensagem: seu nome completo, " +
			"cidade/estado e um breve resumo do caso.",
		LawyerSwitch: "Você busca a troca de advogado ou apenas uma orientação pontual?",
		ProcessData: "Por favor, envie em uma única mensagem: seu nome completo, cidade/estado, " +
			"um breve resumo do caso e o número do processo ou CPF para consulta.",
		Conflict: "Por questões éticas, não orientamos casos que já têm advogado constituído, " +
			"exceto quando há intenção de troca. Agradecemos o contato.",
		BusinessHours: "Recebemos suas informações. Um advogado está finalizando um atendimento " +
			"e falará com você em instantes.",
		AfterHours: "Recebemos suas informações. Estamos fora do horário de expediente; " +
			"o advogado de plantão retornará o seu contato.",
		Fallback: "Olá! Recebemos sua mensagem e em breve um de nossos atendentes vai responder.",
	}
}

// Validate checks that no message is empty.
func (c Catalog) Validate() error {
	fields := map[string]string{
		"greeting":        c.Greeting,
		"area_menu":       c.AreaMenu,
		"prison_status":   c.PrisonStatus,
		"custody":         c.Custody,
		"call_permission": c.CallPermission,
		"call_failed":     c.CallFailed,
		"has_lawyer":      c.HasLawyer,
		"lead_data":       c.LeadData,
		"lawyer_switch":   c.LawyerSwitch,
		"process_data":    c.ProcessData,
		"conflict":        c.Conflict,
		"business_hours":  c.BusinessHours,
		"after_hours":     c.AfterHours,
		"fallback":        c.Fallback,
	}
	for name, text := range fields {
		if text == "" {
			return fmt.Errorf("%w: %s is empty", ErrIncompleteCatalog, name)
		}
	}
	return nil
}

// LoadCatalog reads a YAML file and overlays it on the default catalog.
// Keys missing from the file keep their default text.
func LoadCatalog(path string) (Catalog, error) {
	catalog := DefaultCatalog()
	data, err := os.ReadFile(path)
	if err != nil {
		return catalog, fmt.Errorf("failed to read message catalog %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return catalog, fmt.Errorf("failed to parse message catalog %s: %w", path, err)
	}
	if err := catalog.Validate(); err != nil {
		return catalog, err
	}
	slog.Debug("Message catalog loaded", "path", path)
	return catalog, nil
}
