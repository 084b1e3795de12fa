package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fabfab/aconex-rag/internal/llm"
	"github.com/fabfab/aconex-rag/internal/store"
)

// Relevance gates for the chat path. Nothing below the floor reaches the
// context; when even the best candidate is weaker than the short-circuit
// bound, the LLM is never called.
const (
	relevanceFloor   = 0.20
	shortCircuitBest = 0.25
)

// maxHistoryTurns bounds how much prior conversation is replayed to the LLM.
const maxHistoryTurns = 6

// NoInformationAnswer is the canned response for questions the corpus cannot
// support. It doubles as the contract tests' expected output.
const NoInformationAnswer = "❌ No encontré documentos relevantes para responder tu pregunta. " +
	"Esta pregunta podría no estar relacionada con los documentos de construcción disponibles. " +
	"¿Puedo ayudarte con información sobre proyectos, cronogramas, especificaciones técnicas o documentos de construcción?"

const systemPrompt = `Eres un asistente experto en documentos de construcción y arquitectura. Tu trabajo es buscar información EXCLUSIVAMENTE en los documentos proporcionados.

REGLAS ESTRICTAS - NO NEGOCIABLES:
1. ❌ NUNCA inventes información que no esté en los documentos
2. ❌ NUNCA uses conocimiento general o externo
3. ❌ NUNCA asumas o extrapoles datos que no estén explícitos
4. ✅ Si la información NO está en los documentos, responde EXACTAMENTE:
   "❌ No encontré información sobre [tema] en los documentos disponibles. Los documentos que revisé tratan sobre [temas que sí están]."
5. ✅ Si la pregunta NO tiene relación con los documentos, responde:
   "❌ Esta pregunta no está relacionada con los documentos de construcción disponibles. ¿Puedo ayudarte con información sobre los proyectos, cronogramas, especificaciones técnicas o documentos de construcción?"

CUANDO SÍ HAY INFORMACIÓN:
- Cita SIEMPRE el número de documento y título exacto
- Usa comillas para citas textuales del documento
- Menciona la categoría y fecha si están disponibles
- Si hay múltiples documentos, menciónalos todos
- Sé específico con números, fechas y nombres propios

FORMATO DE RESPUESTA:
📄 Respuesta directa y precisa
📋 Fuentes: [Documento #] - Título - Número
⚠️ Si falta información, indícalo claramente

Responde en español de forma profesional, concisa y exacta.`

// Retriever is the retrieval surface the orchestrator builds context from.
type Retriever interface {
	Retrieve(ctx context.Context, query, projectID string, topK, probes int) ([]store.SearchRow, error)
}

// Answer is the structured chat response: the grounded answer plus the
// evidence it was allowed to cite.
type Answer struct {
	Question    string            `json:"question"`
	Answer      string            `json:"answer"`
	Sources     []store.SearchRow `json:"sources"`
	ContextUsed string            `json:"context_used"`
	SessionID   string            `json:"session_id"`
}

// Orchestrator assembles retrieved context under budgets and drives the LLM
// with a strict grounded-answer contract. A nil client answers extractively.
type Orchestrator struct {
	retriever Retriever
	client    llm.Client
}

// New constructs an Orchestrator. client may be nil when no LLM credential is
// configured.
func New(retriever Retriever, client llm.Client) *Orchestrator {
	return &Orchestrator{retriever: retriever, client: client}
}

// Ask answers a question from the corpus. When no retrieved candidate clears
// the relevance gates the canned no-information answer is returned and the
// LLM is not contacted.
func (o *Orchestrator) Ask(ctx context.Context, question string, history []llm.Message, maxContextDocs int) (Answer, error) {
	if maxContextDocs <= 0 {
		maxContextDocs = 15
	}

	rows, err := o.retriever.Retrieve(ctx, question, "", maxContextDocs, 0)
	if err != nil {
		return Answer{}, fmt.Errorf("retrieve context: %w", err)
	}

	relevant := make([]store.SearchRow, 0, len(rows))
	for _, r := range rows {
		if r.Score > relevanceFloor {
			relevant = append(relevant, r)
		}
	}

	if len(relevant) == 0 || relevant[0].Score < shortCircuitBest {
		return Answer{
			Question:  question,
			Answer:    NoInformationAnswer,
			Sources:   []store.SearchRow{},
			SessionID: uuid.NewString(),
		}, nil
	}

	contextBlock := RenderContext(relevant)
	answer := o.generate(ctx, question, history, contextBlock, relevant)

	return Answer{
		Question:    question,
		Answer:      answer,
		Sources:     relevant,
		ContextUsed: contextBlock,
		SessionID:   uuid.NewString(),
	}, nil
}

func (o *Orchestrator) generate(ctx context.Context, question string, history []llm.Message, contextBlock string, relevant []store.SearchRow) string {
	if o.client == nil {
		return ExtractiveAnswer(question, relevant)
	}

	messages := make([]llm.Message, 0, maxHistoryTurns+2)
	messages = append(messages, llm.Message{Role: "system", Content: systemPrompt})
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: userPrompt(question, contextBlock)})

	answer, err := o.client.Generate(ctx, messages)
	if err != nil {
		log.Warn().Err(err).Msg("llm call failed, answering extractively")
		return ExtractiveAnswer(question, relevant)
	}
	return answer
}

func userPrompt(question, contextBlock string) string {
	return fmt.Sprintf(`Pregunta: %s

DOCUMENTOS PARA ANALIZAR:
%s

INSTRUCCIONES:
1. Lee cuidadosamente todos los documentos
2. Si la respuesta está en los documentos, responde con citas específicas
3. Si NO está en los documentos, di claramente que no hay información
4. Si la pregunta no tiene relación con construcción/arquitectura, indícalo

Respuesta:`, question, contextBlock)
}

// RenderContext lists each relevant document with its header fields and chunk
// content, separated by an obvious delimiter.
func RenderContext(rows []store.SearchRow) string {
	parts := make([]string, 0, len(rows))
	for i, r := range rows {
		parts = append(parts, fmt.Sprintf(
			"[Documento %d] (Relevancia: %.3f)\nTítulo: %s\nNúmero: %s\nCategoría: %s\nContenido: %s\n",
			i+1, r.Score, r.Title, r.Number, r.Category, r.Snippet,
		))
	}
	return strings.Join(parts, "\n---\n")
}

// ExtractiveAnswer composes a templated answer from the top results. It is
// the fallback when the LLM is unavailable, errors out, or times out.
func ExtractiveAnswer(question string, rows []store.SearchRow) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Encontré %d documentos relevantes sobre '%s':\n\n", len(rows), question)
	for i, r := range rows {
		if i >= 3 {
			break
		}
		snippet := r.Snippet
		if runes := []rune(snippet); len(runes) > 300 {
			snippet = string(runes[:300]) + "..."
		}
		fmt.Fprintf(&b, "**%d. %s**\n%s\n\n", i+1, r.Title, snippet)
	}
	return strings.TrimRight(b.String(), "\n")
}
