// Package edgefilter fornece os adapters HTTP (net/http) da camada de
// filtragem de borda: estágios de classificação, portão de avaliação,
// injeção de atraso e guardas de rajada/concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio, incluindo o classificador de
//     padrões (sem dependência de net/http)
//   - application: casos de uso (classificar e registrar, decidir bloqueio,
//     adquirir vaga) sem net/http
//   - infra: implementações concretas (agregado em memória e SQLite, throttle
//     de janela fixa, suavizador com histerese, sink Redis)
//   - edgefilter (este pacote): middlewares HTTP + extração de chave +
//     tradução para status/headers
//
// Fluxo no gateway:
//
//  1. Extrai a chave do cliente (IP/header/XFF)
//  2. Guarda de rajada e de concorrência rejeitam excesso bruto
//  3. Cada estágio de filtragem classifica um valor observado (método,
//     protocolo, User-Agent, header) e registra o resultado no agregado
//  4. O portão de avaliação consulta a política e bloqueia ou só marca
//  5. Throttle e suavizador injetam atraso conforme a taxa do cliente
//  6. Se tudo passou, chama o próximo handler (ex.: reverse proxy)
//
// As opções de cada estágio releem o snapshot de configuração a cada
// requisição, então um reload vale sem reconstruir o pipeline.
package edgefilter
